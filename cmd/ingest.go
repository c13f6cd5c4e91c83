package main

import (
	"os"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/queue"
	"github.com/sells-group/tariff-cli/internal/watcher"
)

var (
	submitURL        string
	submitSource     string
	submitExternalID string
	submitTitle      string
	submitTier       string
	submitPublished  string
	submitEffective  string
	submitProcess    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit documents to the ingest queue",
}

var ingestSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Enqueue a document by URL",
	Long:  "Enqueues an operator-supplied document. Submitting the same document twice is deduplicated like a watcher discovery.",
	Example: `  tariff-cli ingest submit --url https://www.federalregister.gov/documents/full_text/xml/2025/03/06/2025-03775.xml --tier binding --published 2025-03-06
  tariff-cli ingest submit --url file:///data/bulletins/csms-64000000.html --source csms --external-id 64000000 --tier guidance`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sub, err := submission()
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		job, created, err := watcher.Submit(ctx, env.Queue, sub, time.Now())
		if err != nil {
			return err
		}
		if !created {
			zap.L().Info("document already queued", zap.Int64("job_id", job.ID), zap.String("status", string(job.Status)))
		}

		if submitProcess && created {
			if _, err := env.processQueue(ctx, 1); err != nil {
				return err
			}
			if job, err = env.Queue.Get(ctx, job.ID); err != nil {
				return err
			}
		}
		return printJSON(os.Stdout, job)
	},
}

var ingestReprocessCmd = &cobra.Command{
	Use:   "reprocess <job-id>",
	Short: "Run a finished job's document through the pipeline again",
	Long:  "Creates a child job for the same document. Reprocessing skips deduplication; commits stay idempotent.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || id <= 0 {
			return eris.Errorf("invalid job id %q", args[0])
		}

		env, err := initEnv(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		parent, err := env.Queue.Get(ctx, id)
		if err != nil {
			return err
		}
		if !parent.Status.Terminal() {
			return eris.Errorf("job %d is %s; only finished jobs can be reprocessed", id, parent.Status)
		}
		job, _, err := env.Queue.Enqueue(ctx, parent.Descriptor(), queue.EnqueueOptions{ParentJobID: &parent.ID})
		if err != nil {
			return err
		}
		zap.L().Info("reprocessing job", zap.Int64("parent_job_id", parent.ID), zap.Int64("job_id", job.ID))
		return printJSON(os.Stdout, job)
	},
}

func submission() (watcher.Submission, error) {
	sub := watcher.Submission{
		Source:     submitSource,
		ExternalID: submitExternalID,
		URL:        submitURL,
		Title:      submitTitle,
		Tier:       model.Tier(submitTier),
	}
	var err error
	if submitPublished != "" {
		if sub.PublishedAt, err = model.ParseDate(submitPublished); err != nil {
			return sub, eris.Wrap(err, "--published")
		}
	}
	if submitEffective != "" {
		if sub.EffectiveAt, err = model.ParseDate(submitEffective); err != nil {
			return sub, eris.Wrap(err, "--effective")
		}
	}
	return sub, nil
}

func init() {
	f := ingestSubmitCmd.Flags()
	f.StringVar(&submitURL, "url", "", "document URL (http, https, ftp or file)")
	f.StringVar(&submitSource, "source", watcher.ManualSource, "source name recorded on the job")
	f.StringVar(&submitExternalID, "external-id", "", "source document id (default the URL)")
	f.StringVar(&submitTitle, "title", "", "document title")
	f.StringVar(&submitTier, "tier", string(model.TierAuthoritative), "source tier: binding, authoritative or guidance")
	f.StringVar(&submitPublished, "published", "", "publication date (YYYY-MM-DD, default today)")
	f.StringVar(&submitEffective, "effective", "", "effective date stated by the source (YYYY-MM-DD)")
	f.BoolVar(&submitProcess, "process", false, "process the queue after submitting")
	_ = ingestSubmitCmd.MarkFlagRequired("url")

	ingestCmd.AddCommand(ingestSubmitCmd, ingestReprocessCmd)
	rootCmd.AddCommand(ingestCmd)
}
