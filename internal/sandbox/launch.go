package sandbox

import (
	"context"

	"github.com/michaelbrown/gradebox/internal/errs"
)

// Launch starts the compile-and-run pipeline for a source already written
// into ws. A compile failure is not an error here: it surfaces as
// diagnostics on stderr and a non-zero exit code.
func Launch(ctx context.Context, rt Runtime, ws *Workspace, lang Language, filename string, policy Policy) (Process, error) {
	spec := Spec{
		Name:    "gradebox-" + ws.ID[:24],
		Workdir: ws.Path,
		Command: lang.Toolchain().Command(filename),
		Policy:  policy,
	}

	p, err := rt.Start(ctx, spec)
	if err != nil {
		return nil, errs.Sandbox("Failed to start sandbox", err)
	}
	return p, nil
}
