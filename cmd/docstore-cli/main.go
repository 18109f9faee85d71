package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"docstore/docstore"
	"docstore/kv"
	"docstore/kv/badgerkv"
	"docstore/kv/sqlitekv"
)

var store *docstore.Store

// openBackend picks the kv.Store implementation named by engine: "badger"
// (the default, an embedded LSM tree) or "sqlite" (a single-file SQL
// database), proving the collection surface above is storage-agnostic.
func openBackend(engine, dbPath string) (kv.Store, error) {
	switch engine {
	case "", "badger":
		return badgerkv.Open(dbPath)
	case "sqlite":
		return sqlitekv.Open(dbPath, sqlitekv.Options{})
	default:
		return nil, fmt.Errorf("unknown engine %q (want \"badger\" or \"sqlite\")", engine)
	}
}

func openStore(engine, dbPath, collection string) error {
	if store != nil {
		return nil
	}
	backend, err := openBackend(engine, dbPath)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}
	s, err := docstore.New("cli-store", backend, []docstore.Collection{{Name: collection}})
	if err != nil {
		return fmt.Errorf("construct store: %w", err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	store = s
	return nil
}

func closeStore() error {
	if store == nil {
		return nil
	}
	return store.Close()
}

func main() {
	app := &cli.App{
		Name:  "docstore-cli",
		Usage: "inspect and edit a docstore collection backed by BadgerDB or SQLite",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "engine",
				Aliases: []string{"e"},
				Value:   "badger",
				Usage:   "storage engine: badger or sqlite",
				EnvVars: []string{"DOCSTORE_ENGINE"},
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Value:   ".data/docstore-cli",
				Usage:   "path to the backing data directory (badger) or database file (sqlite)",
				EnvVars: []string{"DOCSTORE_PATH"},
			},
			&cli.StringFlag{
				Name:    "collection",
				Aliases: []string{"c"},
				Value:   "documents",
				Usage:   "collection name to operate on",
				EnvVars: []string{"DOCSTORE_COLLECTION"},
			},
		},
		Before: func(c *cli.Context) error {
			return openStore(c.String("engine"), c.String("db"), c.String("collection"))
		},
		After: func(c *cli.Context) error {
			return closeStore()
		},
		Commands: []*cli.Command{
			{
				Name:    "put",
				Aliases: []string{"p"},
				Usage:   "create or overwrite an item",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
					&cli.StringFlag{Name: "json", Aliases: []string{"j"}, Required: true, Usage: "item body as a JSON object"},
				},
				Action: putAction,
			},
			{
				Name:    "get",
				Aliases: []string{"g"},
				Usage:   "fetch an item by key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
				},
				Action: getAction,
			},
			{
				Name:    "delete",
				Aliases: []string{"del", "rm"},
				Usage:   "delete an item by key",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Required: true},
				},
				Action: deleteAction,
			},
			{
				Name:    "list",
				Aliases: []string{"ls"},
				Usage:   "list every item in the collection",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"l"}, Value: 100},
				},
				Action: listAction,
			},
			{
				Name:  "find",
				Usage: "query an index by equality on one property",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "property", Aliases: []string{"p"}, Required: true},
					&cli.StringFlag{Name: "value", Aliases: []string{"v"}, Required: true},
				},
				Action: findAction,
			},
			{
				Name:   "stats",
				Usage:  "show per-collection item and index-entry counts",
				Action: statsAction,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func collectionName(c *cli.Context) string { return c.String("collection") }

func putAction(c *cli.Context) error {
	ctx := context.Background()
	var body map[string]any
	if err := json.Unmarshal([]byte(c.String("json")), &body); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := store.Put(ctx, collectionName(c), c.String("key"), body, docstore.NewPutOptions()); err != nil {
		return err
	}
	fmt.Printf("put %q\n", c.String("key"))
	return nil
}

func getAction(c *cli.Context) error {
	ctx := context.Background()
	item, found, err := store.Get(ctx, collectionName(c), c.String("key"), docstore.GetOptions{Properties: docstore.AllProperties()})
	if err != nil {
		return err
	}
	if !found {
		fmt.Printf("%q not found\n", c.String("key"))
		return nil
	}
	out, _ := json.MarshalIndent(item.Value, "", "  ")
	fmt.Println(string(out))
	return nil
}

func deleteAction(c *cli.Context) error {
	ctx := context.Background()
	deleted, err := store.Delete(ctx, collectionName(c), c.String("key"), docstore.DeleteOptions{})
	if err != nil {
		return err
	}
	if deleted {
		fmt.Printf("deleted %q\n", c.String("key"))
	} else {
		fmt.Printf("%q not found\n", c.String("key"))
	}
	return nil
}

func listAction(c *cli.Context) error {
	ctx := context.Background()
	limit := c.Int("limit")
	count := 0
	err := store.ForEach(ctx, collectionName(c), docstore.FindOptions{Properties: docstore.AllProperties()}, func(item docstore.Item) error {
		if count >= limit {
			return errLimitReached
		}
		fmt.Printf("%v\t%v\n", item.Key, item.Value)
		count++
		return nil
	})
	if err != nil && err != errLimitReached {
		return err
	}
	fmt.Printf("\n%d item(s)\n", count)
	return nil
}

var errLimitReached = fmt.Errorf("list: limit reached")

func findAction(c *cli.Context) error {
	ctx := context.Background()
	items, err := store.Find(ctx, collectionName(c), docstore.FindOptions{
		QueryKeys:  []string{c.String("property")},
		QueryVals:  []any{c.String("value")},
		Properties: docstore.AllProperties(),
	})
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("%v\t%v\n", item.Key, item.Value)
	}
	fmt.Printf("\n%d item(s)\n", len(items))
	return nil
}

func statsAction(c *cli.Context) error {
	ctx := context.Background()
	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	out, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(out))
	return nil
}
