package process

import (
	"context"
	"errors"
	"fmt"

	psprocess "github.com/shirou/gopsutil/v4/process"
)

// killTree kills the process with the given pid and all of its descendants.
// The tree is collected before anything is killed so re-parented children
// are not missed.
func killTree(ctx context.Context, pid int) error {
	root, err := psprocess.NewProcessWithContext(ctx, int32(pid)) //nolint:gosec // pid comes from exec.Cmd.
	if err != nil {
		return fmt.Errorf("looking up process %d: %w", pid, err)
	}

	tree := []*psprocess.Process{root}

	for i := 0; i < len(tree); i++ {
		children, err := tree[i].ChildrenWithContext(ctx)
		if err != nil {
			continue
		}

		tree = append(tree, children...)
	}

	var errs []error

	for _, p := range tree {
		if err := p.KillWithContext(ctx); err != nil {
			if running, rerr := p.IsRunningWithContext(ctx); rerr == nil && !running {
				continue
			}

			errs = append(errs, fmt.Errorf("killing process %d: %w", p.Pid, err))
		}
	}

	return errors.Join(errs...)
}
