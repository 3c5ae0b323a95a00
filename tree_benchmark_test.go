package grove

import (
	"math/rand/v2"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func initBench(b *testing.B) {
	err := os.RemoveAll("testdata")
	require.NoError(b, err)
	err = os.Mkdir("testdata", 0o755)
	if err != nil && !os.IsExist(err) {
		b.Fatal(err)
	}
}

func BenchmarkTree(b *testing.B) {
	const n = 128 * 1024
	setup := func(b *testing.B, opt Options) *DB {
		initBench(b)
		db, err := Attach("testdata/bench.db", opt)
		require.NoError(b, err)
		b.Cleanup(func() { db.Close() })
		for i := 0; i < 128; i++ {
			err = db.Update(func(tx *Tx) error {
				tr, err := tx.Table("bench")
				if err != nil {
					tr, err = tx.CreateTable("bench")
					if err != nil {
						return err
					}
				}
				for j := 0; j < n/128; j++ {
					if err = tr.Append(rand.Int64()); err != nil {
						return err
					}
				}
				return nil
			})
			require.NoError(b, err)
		}
		return db
	}

	b.Run("PureRead", func(b *testing.B) {
		db := setup(b, Options{})
		b.ResetTimer()
		b.ReportAllocs()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				err := db.View(func(tx *Tx) error {
					tr, err := tx.Table("bench")
					if err != nil {
						return err
					}
					_, err = tr.Get(rand.Uint64N(n))
					return err
				})
				require.NoError(b, err)
			}
		})
	})
	b.Run("EncryptedRead", func(b *testing.B) {
		db := setup(b, Options{EncryptionKey: make([]byte, 32)})
		b.ResetTimer()
		b.ReportAllocs()
		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				err := db.View(func(tx *Tx) error {
					tr, err := tx.Table("bench")
					if err != nil {
						return err
					}
					_, err = tr.Get(rand.Uint64N(n))
					return err
				})
				require.NoError(b, err)
			}
		})
	})
	b.Run("WriteCommit", func(b *testing.B) {
		db := setup(b, Options{})
		b.ResetTimer()
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			err := db.Update(func(tx *Tx) error {
				tr, err := tx.Table("bench")
				if err != nil {
					return err
				}
				return tr.Set(rand.Uint64N(n), int64(i))
			})
			require.NoError(b, err)
		}
	})
}
