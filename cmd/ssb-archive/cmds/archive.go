package cmds

import (
	"context"
	"io"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ahdinosaur/ssb-archive/pkg/config"
	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/follower"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
	"github.com/ahdinosaur/ssb-archive/pkg/privatebox"
)

// rowSink is the part of a glazed processor the commands write to.
type rowSink interface {
	AddRow(ctx context.Context, row types.Row) error
}

// archiveSettings are the shared sections a command reading both the log and the index decodes.
type archiveSettings struct {
	Index    config.IndexSettings
	FeedLog  config.FeedLogSettings
	Keys     config.KeysSettings
	Follower config.FollowerSettings
}

func decodeArchiveSettings(parsed *values.Values, s *archiveSettings) error {
	for slug, target := range map[string]any{
		config.IndexSlug:    &s.Index,
		config.FeedLogSlug:  &s.FeedLog,
		config.KeysSlug:     &s.Keys,
		config.FollowerSlug: &s.Follower,
	} {
		if err := parsed.DecodeSectionInto(slug, target); err != nil {
			return errors.Wrapf(err, "decode %s settings", slug)
		}
	}
	return nil
}

// glazedSections returns the output sections every row-producing command carries.
func glazedSections() ([]schema.Section, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	return []schema.Section{glazedSection, commandSettingsSection}, nil
}

// archiveSections returns the index, log, keys and follower sections.
func archiveSections() ([]schema.Section, error) {
	ctors := []func() (schema.Section, error){
		config.NewIndexSection,
		config.NewFeedLogSection,
		config.NewKeysSection,
		config.NewFollowerSection,
	}
	out := make([]schema.Section, 0, len(ctors))
	for _, ctor := range ctors {
		s, err := ctor()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

type closableLog interface {
	feedlog.Log
	io.Closer
}

func openLog(s *config.FeedLogSettings) (closableLog, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Backend == config.LogBackendPebble {
		return feedlog.OpenPebbleLog(s.Path)
	}
	return feedlog.OpenOffsetLog(s.Path)
}

// archive is an opened log and index with a follower between them.
type archive struct {
	store    *indexstore.SQLiteIndexStore
	log      closableLog
	follower *follower.Follower
}

func openArchive(s *archiveSettings, opts ...follower.PipelineOption) (*archive, error) {
	keys, err := privatebox.LoadSecretKeys(s.Keys.Secrets)
	if err != nil {
		return nil, err
	}
	l, err := openLog(&s.FeedLog)
	if err != nil {
		return nil, err
	}
	store, err := s.Index.Open()
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if store.Rebuilt() {
		log.Warn().Msg("index schema was out of date and has been reset; it will be rebuilt from the log")
	}

	opts = append([]follower.PipelineOption{
		follower.WithKeys(keys),
		follower.WithChunkSize(s.Follower.ChunkSize),
	}, opts...)
	f := follower.New(l, follower.NewPipeline(store, opts...), follower.WithReadLimit(s.Follower.ReadLimit))
	return &archive{store: store, log: l, follower: f}, nil
}

func (a *archive) Close() error {
	err := a.store.Close()
	if lerr := a.log.Close(); err == nil {
		err = lerr
	}
	return err
}

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(config.EnvPrefix,
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func buildCommand(c cmds.Command, err error) *cobra.Command {
	cobra.CheckErr(err)
	cobraCmd, err := cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
	cobra.CheckErr(err)
	return cobraCmd
}

func AddToRootCommand(root *cobra.Command) {
	root.AddCommand(
		buildCommand(NewIndexCommand()),
		buildCommand(NewFollowCommand()),
		buildCommand(NewVerifyCommand()),
		buildCommand(NewEventsCommand()),
	)

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Read from the index",
		Long:  "Read-only queries against the index. Commands that return messages also read the log.",
	}
	queryCmd.AddCommand(
		buildCommand(NewQueryMsgCommand()),
		buildCommand(NewQueryFeedCommand()),
		buildCommand(NewQueryMaxSeqCommand()),
		buildCommand(NewQueryLinksCommand()),
		buildCommand(NewQueryThreadCommand()),
		buildCommand(NewQueryAboutCommand()),
		buildCommand(NewQueryContactsCommand()),
		buildCommand(NewQueryVotesCommand()),
		buildCommand(NewQueryStatsCommand()),
	)
	root.AddCommand(queryCmd)

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Inspect or write the message log",
	}
	logCmd.AddCommand(
		buildCommand(NewLogImportCommand()),
		buildCommand(NewLogLatestCommand()),
	)
	root.AddCommand(logCmd)
}
