package main

import (
	// Embedded zone data; containers often ship without /usr/share/zoneinfo.
	_ "time/tzdata"
)

func main() {
	Execute()
}
