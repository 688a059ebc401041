///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package conf

// DB holds the credentials of the optional audit database. Leaving it
// empty keeps the map backed store.
type DB struct {
	Name     string
	Username string
	Password string
	Address  string
	Port     string
}
