package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/ahdinosaur/ssb-archive/pkg/config"
	"github.com/ahdinosaur/ssb-archive/pkg/follower"
	"github.com/ahdinosaur/ssb-archive/pkg/metrics"
	"github.com/ahdinosaur/ssb-archive/pkg/notify"
)

type IndexCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*IndexCommand)(nil)

func NewIndexCommand() (*IndexCommand, error) {
	glazed, err := glazedSections()
	if err != nil {
		return nil, err
	}
	shared, err := archiveSections()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"index",
		cmds.WithShort("Bring the index up to date with the log once"),
		cmds.WithSections(append(glazed, shared...)...),
	)
	return &IndexCommand{CommandDescription: desc}, nil
}

func (c *IndexCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &archiveSettings{}
	if err := decodeArchiveSettings(parsedLayers, s); err != nil {
		return err
	}
	return runIndex(ctx, s, gp)
}

func runIndex(ctx context.Context, s *archiveSettings, rows rowSink) error {
	a, err := openArchive(s)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	res, err := a.follower.CatchUp(ctx)
	if err != nil {
		return err
	}
	return rows.AddRow(ctx, batchResultRow(res))
}

func batchResultRow(res follower.BatchResult) types.Row {
	row := types.NewRow(
		types.MRP("applied", res.Applied),
		types.MRP("duplicates", res.Duplicates),
		types.MRP("skipped", res.Skipped),
		types.MRP("encrypted", res.Encrypted),
		types.MRP("decrypted", res.Decrypted),
		types.MRP("hashtags", res.Hashtags),
		types.MRP("chunks", res.Chunks),
		types.MRP("committed", res.Committed),
	)
	if res.Committed {
		row.Set("first", res.First)
		row.Set("last", res.Last)
	}
	if len(res.ByType) > 0 {
		row.Set("by_type", res.ByType)
	}
	return row
}

type FollowCommand struct {
	*cmds.CommandDescription
}

var _ cmds.BareCommand = (*FollowCommand)(nil)

type FollowSettings struct {
	PollInterval string `glazed:"poll-interval"`
	MetricsAddr  string `glazed:"metrics-addr"`
}

func NewFollowCommand() (*FollowCommand, error) {
	shared, err := archiveSections()
	if err != nil {
		return nil, err
	}
	notifySection, err := notify.NewSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"follow",
		cmds.WithShort("Catch up, then keep the index in step as the log grows"),
		cmds.WithFlags(
			fields.New(
				"poll-interval",
				fields.TypeString,
				fields.WithDefault(follower.DefaultPollInterval.String()),
				fields.WithHelp("Fallback interval for checking the log"),
			),
			fields.New(
				"metrics-addr",
				fields.TypeString,
				fields.WithDefault(""),
				fields.WithHelp("Serve prometheus metrics and /health on this address"),
			),
		),
		cmds.WithSections(append(shared, notifySection)...),
	)
	return &FollowCommand{CommandDescription: desc}, nil
}

func (c *FollowCommand) Run(ctx context.Context, parsedLayers *values.Values) error {
	s := &FollowSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	as := &archiveSettings{}
	if err := decodeArchiveSettings(parsedLayers, as); err != nil {
		return err
	}
	ns := &notify.Settings{}
	if err := parsedLayers.DecodeSectionInto(notify.SectionSlug, ns); err != nil {
		return errors.Wrap(err, "decode notify settings")
	}
	return runFollow(ctx, s, as, ns)
}

func runFollow(ctx context.Context, s *FollowSettings, as *archiveSettings, ns *notify.Settings) error {
	interval, err := config.ParseInterval(s.PollInterval, follower.DefaultPollInterval)
	if err != nil {
		return err
	}

	var opts []follower.PipelineOption
	reg := metrics.NewRegistry()
	if s.MetricsAddr != "" {
		opts = append(opts, follower.WithMetrics(follower.NewMetrics(reg)))
	}
	if ns.Enabled() {
		pub, err := notify.NewRedisPublisher(*ns)
		if err != nil {
			return err
		}
		defer func() { _ = pub.Close() }()
		opts = append(opts, follower.WithNotifier(pub))
	}

	a, err := openArchive(as, opts...)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sig := follower.NewFileSignal(as.FeedLog.Path, interval)
	g, ctx := errgroup.WithContext(ctx)
	if s.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, s.MetricsAddr, reg)
		})
	}
	g.Go(func() error {
		return a.follower.Run(ctx, sig)
	})

	log.Info().
		Str("feed_log", as.FeedLog.Path).
		Str("feed_log_backend", as.FeedLog.Backend).
		Dur("poll_interval", interval).
		Bool("notify", ns.Enabled()).
		Msg("following log")
	return g.Wait()
}
