package main

import "github.com/topolvm/vdoctl/cmd/vdoctl/app"

func main() {
	app.Execute()
}
