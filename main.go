package main

import "github.com/edgeflare/topicstore/cmd/topicstore"

func main() {
	topicstore.Main()
}
