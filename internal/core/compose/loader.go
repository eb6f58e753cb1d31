package compose

import (
	"context"
	"fmt"

	"github.com/compose-spec/compose-go/v2/cli"
)

// LoadProject loads and merges compose files into a ProjectSpec. An empty
// files list lets compose-go discover compose.yaml / docker-compose.yml in
// workingDir. An empty name derives the project name from the directory.
func LoadProject(ctx context.Context, workingDir string, files []string, name string) (*ProjectSpec, error) {
	opts, err := cli.NewProjectOptions(
		files,
		cli.WithWorkingDirectory(workingDir),
		cli.WithOsEnv,
		cli.WithDotEnv,
		cli.WithConfigFileEnv,
		cli.WithDefaultConfigPath,
		cli.WithName(name),
	)
	if err != nil {
		return nil, fmt.Errorf("project options: %w", err)
	}

	project, err := cli.ProjectFromOptions(ctx, opts)
	if err != nil {
		return nil, loaderError(err)
	}

	// files on disk are loaded with normalization, which injects the
	// default network; declaration order is not preserved by compose-go
	return FromProject(project, nil)
}
