// Copyright (C) The Scmeth Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/scmeth/scmeth"
)

func main() {
	scmeth.Main()
}
