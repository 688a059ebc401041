///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package conf

// Net holds the two endpoints of the exchange. The OT socket is a
// dedicated connection used only for the oblivious shuffle handshake.
type Net struct {
	QueryAddress string `yaml:"queryAddress"`
	OtAddress    string `yaml:"otAddress"`
}
