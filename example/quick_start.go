package main

import (
	"fmt"
	"math/rand/v2"
	"os"

	"github.com/grove-kv/grove"
)

func main() {
	// create or open dbset/quick_start.db
	if err := os.MkdirAll("dbset", 0o755); err != nil {
		panic(err)
	}
	db, err := grove.Attach("dbset/quick_start.db", grove.Options{})
	if err != nil {
		panic(err)
	}
	// begin tx, write data
	// logic exec success after auto commit
	err = db.Update(func(tx *grove.Tx) error {
		tr, err := tx.CreateTable("numbers")
		if err != nil {
			return err
		}
		for i := 0; i < 64; i++ {
			if err = tr.Append(rand.Int64()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("write tx err:%v", err))
	}
	// begin tx, read data
	err = db.View(func(tx *grove.Tx) error {
		tr, err := tx.Table("numbers")
		if err != nil {
			return err
		}
		for i := 0; i < 64; i++ {
			idx := rand.Uint64N(64)
			v, err := tr.Get(idx)
			if err != nil {
				return err
			}
			fmt.Printf("table.get idx=%d, val=%d\n", idx, v)
		}
		return nil
	})
	if err != nil {
		panic(fmt.Errorf("read tx err:%v", err))
	}
	// close, wait all tx complete
	err = db.Close()
	if err != nil {
		panic(fmt.Errorf("close err:%v", err))
	}
}
