package main

import "github.com/stoik/chatsweep/services/sweeper-service/internal/app"

func main() {
	app.Execute()
}
