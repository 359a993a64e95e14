package main

import (
	"errors"
	"fmt"
	"os"

	"segkv/pkg/batch"
	"segkv/pkg/config"
	"segkv/pkg/db"
	"segkv/pkg/dberrors"
)

func main() {
	dir := os.Getenv("SEGKV_DIR")
	if dir == "" {
		dir = "./data"
	}
	cfgPath := os.Getenv("SEGKV_CONFIG")
	if cfgPath == "" {
		cfgPath = "config.yaml"
	}

	opts, err := initConfig(cfgPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(opts)

	if err := run(dir, opts); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string, opts *config.Options) (err error) {
	store, err := db.Open(dir, opts)
	if err != nil {
		return fmt.Errorf("open %s: %w", dir, err)
	}
	defer func() {
		err = errors.Join(err, store.Close())
	}()

	if err := store.Put([]byte("k1"), []byte("v1")); err != nil {
		return err
	}
	value, err := store.Get([]byte("k1"))
	if err != nil {
		return err
	}
	fmt.Printf("k1 = %s\n", value)

	b := batch.New()
	b.Delete([]byte("k1"))
	b.Put([]byte("k2"), []byte("v1"))
	if err := store.Write(b); err != nil {
		return err
	}

	if _, err := store.Get([]byte("k1")); errors.Is(err, dberrors.ErrNotFound) {
		fmt.Println("k1 deleted")
	} else if err != nil {
		return err
	}
	value, err = store.Get([]byte("k2"))
	if err != nil {
		return err
	}
	fmt.Printf("k2 = %s\n", value)

	st := store.Stats()
	fmt.Printf("last sequence %d, segments per level %v\n", st.LastSequence, st.LevelSegments)
	return nil
}
