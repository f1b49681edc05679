package builtin

import (
	"fmt"

	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
)

// Deps carries the collaborators the built-in tools need. Policy and
// Mailbox are required; Health and Inspector may be nil in trimmed-down
// processes (replay, tests).
type Deps struct {
	Policy    *workspace.Policy
	Mailbox   *mailbox.Mailbox
	Health    HealthSource
	Inspector SessionInspector
}

// RegisterAll registers every built-in tool and the standard tool sets.
// Set names are what agent catalogs reference in tools.sets.
func RegisterAll(reg *tools.Registry, deps Deps) error {
	var defs []tools.Definition
	defs = append(defs, FileTools(deps.Policy)...)
	defs = append(defs, RFCTools(deps.Policy)...)
	defs = append(defs, PlanTools(deps.Policy)...)
	defs = append(defs, MailTools(deps.Mailbox)...)
	defs = append(defs, DebugTools(deps.Policy, deps.Health, deps.Inspector)...)

	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}

	sets := map[string]tools.SetSpec{
		"readonly_filesystem": {Tools: []string{"read_file", "list_directory", "search_files"}},
		"filesystem":          {Includes: []string{"readonly_filesystem"}, Tools: []string{"write_file"}},
		"rfc_tools":           {Tools: []string{"create_rfc", "read_rfc", "list_rfcs"}},
		"plan_tools":          {Tools: []string{"prepare_plan_from_rfc", "save_generated_plan", "list_plans"}},
		"mailbox_tools":       {Tools: []string{"send_mail", "check_mail", "reply_mail"}},
		"debugging_tools":     {Tools: []string{"system_health_check", "session_analysis"}},
	}
	for name, spec := range sets {
		if err := reg.RegisterSet(name, spec); err != nil {
			return fmt.Errorf("builtin: %w", err)
		}
	}
	return nil
}
