///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package conf

import (
	"github.com/spf13/viper"

	"gitlab.com/mcrg/epsu/params"
)

// Params is the top level service configuration. A viper (or any yaml
// based) configuration can be unmarshalled into this object; for viper
// just use Unmarshal(&params). The protocol section is loaded separately
// from its own file so both parties can share it verbatim.
type Params struct {
	Paths    Paths
	Database DB
	Net      Net

	// Workers is the size of the result-part processing pool.
	Workers int

	Protocol *params.Parameters
}

// NewParams returns a params object if it is able to unmarshal the viper
// config, otherwise it returns an error.
func NewParams(vip *viper.Viper) (*Params, error) {

	p := Params{}
	err := vip.Unmarshal(&p)
	if err != nil {
		return nil, err
	}

	if p.Workers == 0 {
		p.Workers = 4
	}

	if p.Paths.Protocol != "" {
		p.Protocol, err = params.Load(p.Paths.Protocol)
		if err != nil {
			return nil, err
		}
	}

	return &p, nil
}
