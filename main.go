package main

import (
	"fmt"
	"os"

	"github.com/VanDung-dev/Moccasin-Engine/api"
)

// Name of the project binary family.
const Name = "Moccasin-Engine"

func main() {
	fmt.Printf("%s v%s\n", Name, api.Version)
	fmt.Println("Serverless LAN peer-to-peer messaging")
	fmt.Println("Run a node with: go run ./cmd/moccasin --help")
	os.Exit(0)
}
