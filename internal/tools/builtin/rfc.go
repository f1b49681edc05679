package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

const rfcDir = "rfc"

// rfcHeader is the JSON block at the top of every RFC document.
type rfcHeader struct {
	RFCID   string `json:"rfc_id"`
	Title   string `json:"title"`
	Status  string `json:"status"`
	Created string `json:"created"`
	Author  string `json:"author,omitempty"`
}

type createRFCArgs struct {
	Title   string `json:"title" jsonschema:"required,description=Short human title for the RFC"`
	Summary string `json:"summary,omitempty" jsonschema:"description=One-paragraph summary placed under the header"`
	Author  string `json:"author,omitempty" jsonschema:"description=Author name recorded in the header"`
}

type readRFCArgs struct {
	RFCID string `json:"rfc_id" jsonschema:"required,description=RFC id or file name, e.g. rfc_caching_2026-08-25"`
}

type listRFCsArgs struct {
	Status string `json:"status,omitempty" jsonschema:"description=Filter by status (draft, in_progress, archived)"`
}

// RFCTools builds the RFC document tools. RFC files live under
// <output>/rfc/ as markdown with a JSON header block.
func RFCTools(policy *workspace.Policy) []tools.Definition {
	return []tools.Definition{
		{
			Name:        "create_rfc",
			Description: "Create a new RFC document in the output directory.",
			Parameters:  paramsFor[createRFCArgs](),
			Tags:        []string{"rfc"},
			Category:    "rfc",
			Invoke:      createRFC(policy),
		},
		{
			Name:        "read_rfc",
			Description: "Read an existing RFC by id.",
			Parameters:  paramsFor[readRFCArgs](),
			Tags:        []string{"rfc"},
			Category:    "rfc",
			Invoke:      readRFC(policy),
		},
		{
			Name:        "list_rfcs",
			Description: "List RFC documents with their status.",
			Parameters:  paramsFor[listRFCsArgs](),
			Tags:        []string{"rfc"},
			Category:    "rfc",
			Invoke:      listRFCs(policy),
		},
	}
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// slugify reduces a title to the lowercase token used in file names.
func slugify(title string) string {
	slug := slugPattern.ReplaceAllString(strings.ToLower(title), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "untitled"
	}
	if len(slug) > 40 {
		slug = strings.Trim(slug[:40], "-")
	}
	return slug
}

func createRFC(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p createRFCArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}

		date := time.Now().Format("2006-01-02")
		rfcID := fmt.Sprintf("rfc_%s_%s", slugify(p.Title), date)
		rel := filepath.Join(rfcDir, rfcID+".md")

		abs, err := policy.ResolveWrite(rel)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"rfc_id": rfcID})
		}
		if _, err := os.Stat(abs); err == nil {
			return tools.Fail("rfc already exists: "+rfcID, map[string]any{"rfc_id": rfcID, "path": rel})
		}

		header := rfcHeader{
			RFCID:   rfcID,
			Title:   p.Title,
			Status:  "draft",
			Created: date,
			Author:  p.Author,
		}
		doc, err := renderRFC(header, p.Summary)
		if err != nil {
			return tools.Fail("render: "+err.Error(), map[string]any{"rfc_id": rfcID})
		}
		if err := os.WriteFile(abs, doc, 0o644); err != nil {
			return tools.Fail("write: "+err.Error(), map[string]any{"rfc_id": rfcID})
		}
		return tools.OK(map[string]any{
			"rfc_id": rfcID,
			"path":   rel,
			"status": header.Status,
		})
	}
}

func renderRFC(header rfcHeader, summary string) ([]byte, error) {
	meta, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", header.Title)
	fmt.Fprintf(&b, "```json\n%s\n```\n\n", meta)
	if summary != "" {
		fmt.Fprintf(&b, "## Summary\n\n%s\n\n", summary)
	}
	b.WriteString("## Requirements\n\n_TBD_\n\n## Open Questions\n\n_TBD_\n")
	return []byte(b.String()), nil
}

func readRFC(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p readRFCArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		name := strings.TrimSuffix(p.RFCID, ".md")
		rel := filepath.Join(rfcDir, name+".md")
		abs, err := policy.ResolveRead(rel)
		if err != nil {
			return tools.Fail(err.Error(), map[string]any{"rfc_id": p.RFCID})
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return tools.Fail("rfc not found: "+name, map[string]any{"rfc_id": p.RFCID})
		}
		header, _ := parseRFCHeader(data)
		return tools.OK(map[string]any{
			"rfc_id":  name,
			"path":    rel,
			"status":  header.Status,
			"title":   header.Title,
			"content": string(data),
		})
	}
}

func listRFCs(policy *workspace.Policy) tools.InvokerFunc {
	return func(ctx context.Context, inv tools.Invocation, args map[string]any) tools.Result {
		var p listRFCsArgs
		if err := decodeArgs(args, &p); err != nil {
			return tools.Fail("arguments parse: "+err.Error(), nil)
		}
		root := filepath.Join(policy.Output(), rfcDir)
		entries, err := os.ReadDir(root)
		if err != nil {
			if os.IsNotExist(err) {
				return tools.OK(map[string]any{"rfcs": []map[string]any{}, "count": 0})
			}
			return tools.Fail("list: "+err.Error(), nil)
		}

		var rfcs []map[string]any
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			data, readErr := os.ReadFile(filepath.Join(root, entry.Name()))
			if readErr != nil {
				continue
			}
			header, _ := parseRFCHeader(data)
			if header.RFCID == "" {
				header.RFCID = strings.TrimSuffix(entry.Name(), ".md")
			}
			if p.Status != "" && header.Status != p.Status {
				continue
			}
			rfcs = append(rfcs, map[string]any{
				"rfc_id": header.RFCID,
				"title":  header.Title,
				"status": header.Status,
				"path":   filepath.Join(rfcDir, entry.Name()),
			})
		}
		sort.Slice(rfcs, func(i, j int) bool {
			return rfcs[i]["rfc_id"].(string) < rfcs[j]["rfc_id"].(string)
		})
		return tools.OK(map[string]any{"rfcs": rfcs, "count": len(rfcs)})
	}
}

var rfcHeaderBlock = regexp.MustCompile("(?s)```json\\s*(\\{.*?\\})\\s*```")

// parseRFCHeader pulls the JSON header block out of an RFC document. A
// missing or malformed header is not an error; listings degrade to file
// names.
func parseRFCHeader(doc []byte) (rfcHeader, error) {
	var header rfcHeader
	m := rfcHeaderBlock.FindSubmatch(doc)
	if m == nil {
		return header, fmt.Errorf("no header block")
	}
	if err := json.Unmarshal(m[1], &header); err != nil {
		return header, err
	}
	return header, nil
}
