package cmd

import (
	"context"
	"time"

	"github.com/pressbak/pressbak/pkg/borg"
	"github.com/pressbak/pressbak/pkg/buildinfo"
	"github.com/pressbak/pressbak/pkg/config"
	"github.com/pressbak/pressbak/pkg/dbexport"
	"github.com/pressbak/pressbak/pkg/engine"
	"github.com/pressbak/pressbak/pkg/exitcode"
	"github.com/pressbak/pressbak/pkg/flagparse"
	"github.com/pressbak/pressbak/pkg/plog"
)

// RunPrune handles the standalone prune command. It applies the retention
// policy without creating a new archive, so no source tree is required.
func RunPrune(ctx context.Context, flagMap map[string]any) (exitcode.Code, error) {
	job := config.MergeJobWithFlags(flagparse.Prune, config.NewDefault(), flagMap)

	if err := job.Validate(false); err != nil {
		return validationCode(err), err
	}

	plog.SetLevel(plog.LevelFromString(job.LogLevel))
	plog.SetQuiet(job.Quiet)

	runner := engine.NewRunner(
		borg.NewExecClient(""),
		dbexport.NewWPCLIExporter(""),
	)

	startTime := time.Now()
	code, err := runner.ExecutePrune(ctx, job)
	duration := time.Since(startTime).Round(time.Millisecond)
	if code == exitcode.Success {
		plog.Info(buildinfo.Name+" prune finished successfully.", "duration", duration)
	}
	return code, err
}
