package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"match-lab/domain/match"
)

// Ops helper: dumps the match records of a (possibly running) server.
func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	prefix := flag.String("prefix", "match:", "Prefix to scan")
	flag.Parse()

	db, err := openDB(*dbPath)
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	color.New(color.BgBlack, color.FgGreen).Println(fmt.Sprintf("  ====== matches in %s ======", *dbPath))

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Status", "Created", "Players", "Active"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()

			// Reverse-index keys carry no value worth printing.
			if strings.HasPrefix(string(item.Key()), "matches:") {
				continue
			}

			err := item.Value(func(v []byte) error {
				var data match.Match
				if err := json.Unmarshal(v, &data); err != nil {
					// Log the broken record and keep going instead of stopping the whole dump.
					fmt.Printf("Error unmarshaling key %s: %v\n", string(item.Key()), err)
					return nil
				}

				nicknames := lo.Map(data.Players, func(p match.Player, _ int) string { return p.Nickname })
				active := lo.CountBy(data.Players, func(p match.Player) bool { return p.Active })

				table.Append([]string{
					string(item.Key()),
					string(data.Status),
					data.CreatedAt.Format("15:04:05"),
					strings.Join(nicknames, ", "),
					fmt.Sprintf("%d/%d", active, len(data.Players)),
				})
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

func openDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)

	return badger.Open(opts)
}
