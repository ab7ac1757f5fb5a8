package supervisor

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/buildkite/shellwords"

	"github.com/Kush-Singh-26/devserve/internal/config"
)

// JobsFromConfig converts configured jobs, splitting Run strings into
// argument lists and filling in default names.
func JobsFromConfig(cfgJobs []config.Job) ([]Job, error) {
	jobs := make([]Job, 0, len(cfgJobs))
	for i, cj := range cfgJobs {
		job := Job{
			Name: cj.Name,
			Kind: Kind(cj.Kind),
			Dir:  cj.Dir,
			Env:  append([]string(nil), cj.Env...),
		}
		if job.Kind == "" {
			job.Kind = KindExec
		}

		switch job.Kind {
		case KindExec:
			job.Command = append([]string(nil), cj.Command...)
			if len(job.Command) == 0 {
				args, err := shellwords.Split(cj.Run)
				if err != nil {
					return nil, fmt.Errorf("job %d: parse run %q: %w", i, cj.Run, err)
				}
				job.Command = args
			}
			if len(job.Command) == 0 || strings.TrimSpace(job.Command[0]) == "" {
				return nil, fmt.Errorf("job %d: empty command", i)
			}
			if job.Name == "" {
				job.Name = filepath.Base(job.Command[0])
			}
		case KindEsbuild:
			job.Esbuild = EsbuildOptions{
				EntryPoints: append([]string(nil), cj.EntryPoints...),
				Outdir:      cj.Outdir,
				Bundle:      cj.Bundle,
				Minify:      cj.Minify,
				Sourcemap:   cj.Sourcemap,
				Tsconfig:    cj.Tsconfig,
			}
			if job.Name == "" {
				job.Name = "esbuild"
			}
		default:
			return nil, fmt.Errorf("job %d: unknown kind %q", i, cj.Kind)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
