package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/superpowers/superpowers-core-sub000/pkg/storage"
	"github.com/superpowers/superpowers-core-sub000/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	flags := pflag.NewFlagSet("revisions", pflag.ContinueOnError)
	database := flags.String("database", "revisions.sqlite3", "the revisions database")
	show := flags.String("show", "", "print the state saved as this revision")
	svg := flags.String("svg", "", "render the history of the document to this SVG file")
	flags.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: revisions [flags] [<project>/assets/<id>]")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	ctx := context.Background()
	store, err := storage.OpenRevisionStore(ctx, *database)
	if err != nil {
		return err
	}
	defer store.Close()

	if flags.NArg() == 0 {
		ids, err := store.DocumentIDs(ctx)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("expected one position argument: the document id")
	}
	documentID := flags.Arg(0)

	switch {
	case *show != "":
		state, err := store.Revision(ctx, documentID, *show)
		if err != nil {
			return err
		}
		fmt.Println(string(state))
	case *svg != "":
		history, err := store.History(ctx, documentID)
		if err != nil {
			return err
		}
		if err := viz.RenderHistoryToFile(history, *svg); err != nil {
			return err
		}
		slog.Info("rendered", "document", documentID, "path", "file://"+*svg)
	default:
		revisions, err := store.Revisions(ctx, documentID)
		if err != nil {
			return err
		}
		for _, revision := range revisions {
			fmt.Printf("%s  %s  %s\n", revision.ID, revision.SavedAt.UTC().Format(time.RFC3339), revision.Name)
		}
	}
	return nil
}
