///////////////////////////////////////////////////////////////////////////////
// Use of this source code is governed by a license that can be found in the //
// LICENSE file                                                              //
///////////////////////////////////////////////////////////////////////////////

package main

import "gitlab.com/mcrg/epsu/cmd"

func main() {
	cmd.Execute()
}
