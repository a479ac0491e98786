package main

import (
	"time"

	"adsb_pings/cmd"
)

func main() {
	time.Local = time.UTC // archive dates and ping timestamps are UTC
	cmd.Execute()
}
