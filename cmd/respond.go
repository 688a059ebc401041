///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"net"

	"github.com/markkurossi/mpc/p2p"
	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"

	"gitlab.com/mcrg/epsu/conf"
	"gitlab.com/mcrg/epsu/network"
	"gitlab.com/mcrg/epsu/oprf"
	"gitlab.com/mcrg/epsu/responder"
	"gitlab.com/mcrg/epsu/shuffle"
	"gitlab.com/mcrg/epsu/storage"
)

var respondItemsFile string

func init() {
	respondCmd.Flags().StringVarP(&respondItemsFile, "items", "f", "",
		"File holding one raw item per line")
	rootCmd.AddCommand(respondCmd)
}

var respondCmd = &cobra.Command{
	Use:   "respond",
	Short: "Serve queries over the configured set",
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

		items, err := loadItems(respondItemsFile)
		if err != nil {
			jww.FATAL.Panicf("Unable to load items: %+v", err)
		}

		serve(params, items)
	},
}

// serve answers queries one at a time, each over a fresh channel and a
// fresh OPRF key.
func serve(params *conf.Params, items []oprf.Item) {
	queryListener, err := net.Listen("tcp", params.Net.QueryAddress)
	if err != nil {
		jww.FATAL.Panicf("Unable to listen on %s: %+v",
			params.Net.QueryAddress, err)
	}
	otListener, err := net.Listen("tcp", params.Net.OtAddress)
	if err != nil {
		jww.FATAL.Panicf("Unable to listen on %s: %+v",
			params.Net.OtAddress, err)
	}
	jww.INFO.Printf("Serving queries on %s (OT socket %s)",
		params.Net.QueryAddress, params.Net.OtAddress)

	for {
		r, err := responder.New(params.Protocol, items)
		if err != nil {
			jww.FATAL.Panicf("Unable to create responder: %+v", err)
		}
		if params.Database.Name != "" {
			store, err := storage.NewStore(params.Database.Username,
				params.Database.Password, params.Database.Name,
				params.Database.Address, params.Database.Port)
			if err != nil {
				jww.FATAL.Panicf("Unable to open audit store: %+v", err)
			}
			r.SetAuditStore(store)
		}

		chl, err := network.Accept(queryListener)
		if err != nil {
			jww.ERROR.Printf("Accept failed: %+v", err)
			continue
		}

		acceptOT := func() (*p2p.Conn, error) {
			otConn, _, err := shuffle.Accept(otListener)
			return otConn, err
		}
		if err = r.Serve(chl, acceptOT); err != nil {
			jww.ERROR.Printf("Query serving failed: %+v", err)
		}
		if err = chl.Close(); err != nil {
			jww.WARN.Printf("Query channel close failed: %+v", err)
		}
	}
}
