package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/compositor"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/config"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/document"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/gen"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/layers"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/logging"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/storage"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/storage_adapter"
	"github.com/trevis/WorldBuilder-ACME-Edition-sub001/internal/terrain"
)

func main() {
	app := &cli.App{
		Name:  "terrain-cli",
		Usage: "офлайн-операции с проектом ландшафта: генерация базы, компоновка, дерево слоёв",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "путь к YAML конфигурации", EnvVars: []string{"TERRAIN_CONFIG"}},
			&cli.StringFlag{Name: "data", Usage: "каталог данных (перекрывает storage.path)"},
		},
		Commands: []*cli.Command{
			{
				Name:  "generate",
				Usage: "заполнить базу процедурным рельефом",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "seed", Value: 1},
					&cli.IntFlag{Name: "x0"},
					&cli.IntFlag{Name: "y0"},
					&cli.IntFlag{Name: "x1", Value: 7},
					&cli.IntFlag{Name: "y1", Value: 7},
				},
				Action: generateCmd,
			},
			{
				Name:      "resolve",
				Usage:     "скомпоновать лендблок и вывести сетку поля",
				ArgsUsage: "KEY",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "field", Value: "height", Usage: "road|scenery|type|height"},
				},
				Action: resolveCmd,
			},
			{
				Name:  "layers",
				Usage: "просмотр и правка дерева слоёв",
				Subcommands: []*cli.Command{
					{Name: "list", Usage: "вывести дерево", Action: listLayersCmd},
					{
						Name:      "add",
						Usage:     "добавить пустой слой",
						ArgsUsage: "NAME",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "parent", Usage: "ID группы"}},
						Action:    addLayerCmd,
					},
					{
						Name:      "group",
						Usage:     "добавить группу",
						ArgsUsage: "NAME",
						Flags:     []cli.Flag{&cli.StringFlag{Name: "parent", Usage: "ID группы"}},
						Action:    addGroupCmd,
					},
					{Name: "show", ArgsUsage: "ID", Action: visibilityCmd(true)},
					{Name: "hide", ArgsUsage: "ID", Action: visibilityCmd(false)},
					{Name: "rm", Usage: "удалить узел", ArgsUsage: "ID", Action: removeCmd},
					{Name: "gc", Usage: "стереть документы, на которые не ссылается ни один слой", Action: pruneLayersCmd},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// project: открытый проект: хранилище, документы и сессия.
type project struct {
	blobs   storage.BlobStore
	codec   *storage.Codec
	store   *storage.DocumentStore
	manager *document.Manager
	session *compositor.Session
}

func openProject(ctx context.Context, c *cli.Context) (*project, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if dir := c.String("data"); dir != "" {
		cfg.Storage.Path = dir
	}
	opts := cfg.Logging.LoggingOptions()
	opts.ConsoleLevel = logging.WARN
	logging.Configure(opts)
	cfg.Logging.ApplyLevels(logging.Components())

	blobs, err := storage_adapter.NewBlobStore(storage_adapter.Options{
		Backend:  cfg.Storage.Driver,
		DataPath: cfg.Storage.Path,
		AutoSave: true,
		Compress: cfg.Storage.Compress,
	})
	if err != nil {
		return nil, err
	}
	codec, err := storage.NewCodec(cfg.Storage.Compress)
	if err != nil {
		_ = blobs.Close()
		return nil, err
	}
	store := storage.NewDocumentStore(blobs, codec)

	p := &project{blobs: blobs, codec: codec, store: store}
	base, err := store.LoadBase(ctx)
	if err != nil {
		p.close()
		return nil, err
	}
	tree := layers.NewTree(nil)
	if snap, ok, err := store.LoadTree(ctx); err != nil {
		p.close()
		return nil, err
	} else if ok {
		if tree, err = layers.Restore(snap, nil); err != nil {
			p.close()
			return nil, err
		}
	}

	p.manager = document.NewManager(store, base)
	p.session = compositor.NewSession(tree, p.manager,
		compositor.WithSaver(store),
		compositor.WithCompositorOptions(compositor.WithBlockingLoads()),
	)
	return p, nil
}

func (p *project) close() {
	if p.manager != nil {
		p.manager.Close()
	}
	p.codec.Close()
	if err := p.blobs.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "закрытие хранилища: %v\n", err)
	}
}

// withProject открывает проект, выполняет fn и сохраняет изменения, если save.
func withProject(save bool, fn func(ctx context.Context, p *project, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx := c.Context
		if ctx == nil {
			ctx = context.Background()
		}
		p, err := openProject(ctx, c)
		if err != nil {
			return err
		}
		defer p.close()

		if err := fn(ctx, p, c); err != nil {
			return err
		}
		if save {
			return p.session.Save(ctx)
		}
		return nil
	}
}

var generateCmd = withProject(true, func(_ context.Context, p *project, c *cli.Context) error {
	g := gen.NewTerrainGenerator(c.Int64("seed"))
	n := g.FillBase(p.manager.Base(),
		clampCoord(c.Int("x0")), clampCoord(c.Int("y0")),
		clampCoord(c.Int("x1")), clampCoord(c.Int("y1")))
	fmt.Printf("создано лендблоков: %d\n", n)
	return nil
})

var resolveCmd = withProject(false, func(ctx context.Context, p *project, c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("нужен ключ лендблока")
	}
	key, err := terrain.ParseLandblockKey(c.Args().First())
	if err != nil {
		return err
	}
	field, err := terrain.ParseField(c.String("field"))
	if err != nil {
		return err
	}

	lb, present, err := p.session.Resolve(ctx, key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "предупреждение: %v\n", err)
	}
	if !present {
		return fmt.Errorf("лендблок %s отсутствует", key)
	}

	fmt.Printf("%s (%s)\n", key, field)
	for y := terrain.CellsPerSide - 1; y >= 0; y-- {
		row := make([]string, terrain.CellsPerSide)
		for x := 0; x < terrain.CellsPerSide; x++ {
			row[x] = fmt.Sprintf("%3d", fieldValue(lb.At(terrain.CellAt(x, y)), field))
		}
		fmt.Println(strings.Join(row, " "))
	}
	return nil
})

var listLayersCmd = withProject(false, func(_ context.Context, p *project, _ *cli.Context) error {
	snap := p.session.Tree().Snapshot()
	if len(snap.Roots) == 0 {
		fmt.Println("(слоёв нет, только база)")
		return nil
	}
	for _, n := range snap.Roots {
		printNode(n, 0)
	}
	return nil
})

var addLayerCmd = withProject(true, func(_ context.Context, p *project, c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("нужно имя слоя")
	}
	l, err := p.session.AddLayer(c.String("parent"), -1, c.Args().First())
	if err != nil {
		return err
	}
	fmt.Println(l.ID)
	return nil
})

var addGroupCmd = withProject(true, func(_ context.Context, p *project, c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("нужно имя группы")
	}
	g := layers.NewGroup(c.Args().First())
	if err := p.session.Tree().AddNode(c.String("parent"), -1, g); err != nil {
		return err
	}
	fmt.Println(g.ID)
	return nil
})

var removeCmd = withProject(true, func(_ context.Context, p *project, c *cli.Context) error {
	_, err := p.session.RemoveNode(c.Args().First())
	return err
})

var pruneLayersCmd = withProject(false, func(ctx context.Context, p *project, _ *cli.Context) error {
	pruned, err := p.store.PruneLayers(ctx, p.session.Tree())
	for _, id := range pruned {
		fmt.Println(id)
	}
	if err != nil {
		return err
	}
	fmt.Printf("стёрто документов: %d\n", len(pruned))
	return nil
})

func visibilityCmd(visible bool) cli.ActionFunc {
	return withProject(true, func(_ context.Context, p *project, c *cli.Context) error {
		return p.session.Tree().SetVisible(c.Args().First(), visible)
	})
}

func printNode(n layers.NodeSnapshot, depth int) {
	mark := "👁"
	if !n.Visible {
		mark = "-"
	}
	fmt.Printf("%s%s %s [%s] %s\n", strings.Repeat("  ", depth), mark, n.Name, n.Kind, n.ID)
	for _, child := range n.Children {
		printNode(child, depth+1)
	}
}

func fieldValue(e terrain.Entry, f terrain.Field) uint8 {
	switch f {
	case terrain.FieldRoad:
		return e.Road
	case terrain.FieldScenery:
		return e.Scenery
	case terrain.FieldType:
		return e.Type
	default:
		return e.Height
	}
}

func clampCoord(v int) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}
