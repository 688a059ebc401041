///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"bufio"
	"os"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/mcrg/epsu/conf"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/querier"
)

var queryItemsFile string

func init() {
	queryCmd.Flags().StringVarP(&queryItemsFile, "items", "f", "",
		"File holding one raw item per line")
	rootCmd.AddCommand(queryCmd)
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run the query side of the exchange against a counterparty",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if !validConfig {
			jww.FATAL.Panic("Invalid Config File")
		}
		params, err := conf.NewParams(viper.GetViper())
		if err != nil {
			jww.FATAL.Panicf("Unable to load params: %+v", err)
		}
		if params.Protocol == nil {
			jww.FATAL.Panic("No protocol parameter file configured")
		}

		items, err := loadItems(queryItemsFile)
		if err != nil {
			jww.FATAL.Panicf("Unable to load items: %+v", err)
		}

		session, err := querier.NewSession(params.Protocol)
		if err != nil {
			jww.FATAL.Panicf("Unable to create session: %+v", err)
		}
		records, err := session.RequestQuery(params.Net.QueryAddress,
			params.Net.OtAddress, items, params.Workers)
		if err != nil {
			jww.FATAL.Panicf("Query failed: %+v", err)
		}

		found := 0
		for _, rec := range records {
			if rec.Found {
				found++
			}
		}
		jww.INFO.Printf("Query finished: %d of %d items matched",
			found, len(records))
	},
}

// loadItems reads one raw item per line.
func loadItems(path string) ([]oprf.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var items []oprf.Item
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		items = append(items, oprf.Item(line))
	}
	return items, scanner.Err()
}
