package main

import (
	_ "net/http/pprof"

	"github.com/stevedore/stevedore/registry"
	_ "github.com/stevedore/stevedore/registry/auth/htpasswd"
	_ "github.com/stevedore/stevedore/registry/auth/silly"
	_ "github.com/stevedore/stevedore/registry/storage/driver/filesystem"
	_ "github.com/stevedore/stevedore/registry/storage/driver/inmemory"
)

func main() {
	_ = registry.RootCmd.Execute()
}
