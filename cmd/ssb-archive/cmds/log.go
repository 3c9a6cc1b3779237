package cmds

import (
	"bufio"
	"context"
	"io"
	"os"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ahdinosaur/ssb-archive/pkg/config"
	"github.com/ahdinosaur/ssb-archive/pkg/feedlog"
	"github.com/ahdinosaur/ssb-archive/pkg/ssbmsg"
)

const maxImportLine = 16 << 20

type appendCloser interface {
	feedlog.Appender
	io.Closer
}

func openAppender(s *config.FeedLogSettings) (appendCloser, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Backend == config.LogBackendPebble {
		return feedlog.OpenPebbleLog(s.Path)
	}
	return feedlog.CreateOffsetWriter(s.Path)
}

func decodeFeedLog(parsed *values.Values) (*config.FeedLogSettings, error) {
	s := &config.FeedLogSettings{}
	if err := parsed.DecodeSectionInto(config.FeedLogSlug, s); err != nil {
		return nil, err
	}
	return s, nil
}

type LogImportCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*LogImportCommand)(nil)

type LogImportSettings struct {
	Input string `glazed:"input"`
}

func NewLogImportCommand() (*LogImportCommand, error) {
	glazed, err := glazedSections()
	if err != nil {
		return nil, err
	}
	feedLogSection, err := config.NewFeedLogSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"import",
		cmds.WithShort("Append newline-delimited message envelopes to the log"),
		cmds.WithLong("Each line must be a {key, value, timestamp} envelope. Lines that do not decode are "+
			"skipped and logged."),
		cmds.WithArguments(
			fields.New(
				"input",
				fields.TypeString,
				fields.WithHelp("Input file (use - for stdin)"),
				fields.WithDefault("-"),
			),
		),
		cmds.WithSections(append(glazed, feedLogSection)...),
	)
	return &LogImportCommand{CommandDescription: desc}, nil
}

func (c *LogImportCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	s := &LogImportSettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	fl, err := decodeFeedLog(parsedLayers)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if s.Input != "" && s.Input != "-" {
		f, err := os.Open(s.Input)
		if err != nil {
			return errors.Wrapf(err, "open %s", s.Input)
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	return runLogImport(ctx, in, fl, gp)
}

func runLogImport(ctx context.Context, in io.Reader, fl *config.FeedLogSettings, rows rowSink) error {
	w, err := openAppender(fl)
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	var (
		appended, skipped int
		first, last       uint64
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64<<10), maxImportLine)
	line := 0
	for sc.Scan() {
		line++
		data := sc.Bytes()
		if len(data) == 0 {
			continue
		}
		if _, err := ssbmsg.DecodeMessage(data); err != nil {
			log.Warn().Err(err).Int("line", line).Msg("skipping line")
			skipped++
			continue
		}
		pos, err := w.Append(append([]byte(nil), data...))
		if err != nil {
			return err
		}
		if appended == 0 {
			first = pos
		}
		last = pos
		appended++
	}
	if err := sc.Err(); err != nil {
		return errors.Wrapf(err, "read line %d", line+1)
	}

	row := types.NewRow(
		types.MRP("appended", appended),
		types.MRP("skipped", skipped),
	)
	if appended > 0 {
		row.Set("first", first)
		row.Set("last", last)
	}
	return rows.AddRow(ctx, row)
}

type LogLatestCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*LogLatestCommand)(nil)

func NewLogLatestCommand() (*LogLatestCommand, error) {
	glazed, err := glazedSections()
	if err != nil {
		return nil, err
	}
	feedLogSection, err := config.NewFeedLogSection()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"latest",
		cmds.WithShort("Print the position of the last complete log entry"),
		cmds.WithSections(append(glazed, feedLogSection)...),
	)
	return &LogLatestCommand{CommandDescription: desc}, nil
}

func (c *LogLatestCommand) RunIntoGlazeProcessor(ctx context.Context, parsedLayers *values.Values, gp middlewares.Processor) error {
	fl, err := decodeFeedLog(parsedLayers)
	if err != nil {
		return err
	}
	return runLogLatest(ctx, fl, gp)
}

func runLogLatest(ctx context.Context, fl *config.FeedLogSettings, rows rowSink) error {
	l, err := openLog(fl)
	if err != nil {
		return err
	}
	defer func() { _ = l.Close() }()

	pos, ok, err := l.Latest()
	if err != nil {
		return err
	}
	row := types.NewRow(types.MRP("empty", !ok))
	if ok {
		row.Set("latest", pos)
	}
	return rows.AddRow(ctx, row)
}
