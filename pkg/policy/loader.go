package policy

import (
	"context"
	"os"
	"path/filepath"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ina/pkg/model"
	"github.com/open-policy-agent/opa/v1/rego"
)

const ingestQuery = "data.ingest"

// loadPolicy reads every .rego file in dir and prepares the ingest query.
// It returns nil when dir has no policy file.
func loadPolicy(ctx context.Context, dir string) (*rego.PreparedEvalQuery, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to glob policy files", goerr.T(model.TagConfiguration))
	}
	if len(files) == 0 {
		return nil, nil
	}

	options := []func(*rego.Rego){
		rego.Query(ingestQuery),
		rego.EnablePrintStatements(true),
	}
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read policy file",
				goerr.V("path", file),
				goerr.T(model.TagConfiguration))
		}
		options = append(options, rego.Module(file, string(data)))
	}

	prepared, err := rego.New(options...).PrepareForEval(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to prepare policy",
			goerr.V("dir", dir),
			goerr.V("query", ingestQuery),
			goerr.T(model.TagConfiguration))
	}

	return &prepared, nil
}
