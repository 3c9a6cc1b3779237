package cmds

import (
	"context"
	"maps"
	"slices"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/ahdinosaur/ssb-archive/pkg/config"
	"github.com/ahdinosaur/ssb-archive/pkg/persistence/indexstore"
)

type VerifyCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = (*VerifyCommand)(nil)

type VerifySettings struct {
	Limit  int  `glazed:"limit"`
	EmitOK bool `glazed:"emit-ok"`
}

func NewVerifyCommand() (*VerifyCommand, error) {
	glazed, err := glazedSections()
	if err != nil {
		return nil, err
	}
	indexSection, err := config.NewIndexSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"verify",
		cmds.WithShort("Run consistency checks on the index"),
		cmds.WithLong("Check SQLite integrity, the schema version marker and dangling references. Nothing is repaired."),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(200),
				fields.WithHelp("Maximum number of issues to return (0 = no limit)"),
			),
			fields.New(
				"emit-ok",
				fields.TypeBool,
				fields.WithDefault(false),
				fields.WithHelp("Emit a single ok row when no issues are found"),
			),
		),
		cmds.WithSections(append(glazed, indexSection)...),
	)
	return &VerifyCommand{CommandDescription: desc}, nil
}

func (c *VerifyCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedLayers *values.Values,
	gp middlewares.Processor,
) error {
	s := &VerifySettings{}
	if err := parsedLayers.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	idx := &config.IndexSettings{}
	if err := parsedLayers.DecodeSectionInto(config.IndexSlug, idx); err != nil {
		return err
	}
	return runVerify(ctx, s, idx, gp)
}

func runVerify(ctx context.Context, s *VerifySettings, idx *config.IndexSettings, rows rowSink) error {
	store, err := idx.Open()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	n, err := store.Verify(ctx, s.Limit, func(issue indexstore.Issue) error {
		row := types.NewRow(
			types.MRP("table", issue.Table),
			types.MRP("issue", issue.Issue),
		)
		for _, k := range slices.Sorted(maps.Keys(issue.Details)) {
			row.Set(k, issue.Details[k])
		}
		return rows.AddRow(ctx, row)
	})
	if err != nil {
		return err
	}
	if n == 0 && s.EmitOK {
		return rows.AddRow(ctx, types.NewRow(
			types.MRP("status", "ok"),
			types.MRP("issues", 0),
		))
	}
	return nil
}
