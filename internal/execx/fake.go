package execx

import (
	"context"
	"strings"
)

// Fake is a Runner for tests. It records every command line and serves
// canned outputs and errors keyed by the full command line. DefaultErr, when
// set, is returned for command lines with no entry in Errs.
type Fake struct {
	Calls      []string
	Outputs    map[string]string
	Errs       map[string]error
	DefaultErr error
}

func (f *Fake) Run(ctx context.Context, name string, args ...string) error {
	_, err := f.Output(ctx, name, args...)
	return err
}

func (f *Fake) Output(_ context.Context, name string, args ...string) (string, error) {
	line := name
	if len(args) > 0 {
		line += " " + strings.Join(args, " ")
	}

	f.Calls = append(f.Calls, line)

	if err, ok := f.Errs[line]; ok {
		return f.Outputs[line], err
	}

	return f.Outputs[line], f.DefaultErr
}
