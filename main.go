// SPDX-FileCopyrightText: (C) 2025 LEAP Encryption Access Project
// SPDX-License-Identifier: Apache 2.0

package main

import "github.com/leapcode/keyvaultd/cmd"

func main() {
	cmd.Execute()
}
