///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package conf

// Paths contains the config params for required file paths
type Paths struct {
	// Protocol is the shared protocol parameter file
	Protocol string
	Log      string
}
