package filesystem

import (
	"testing"

	storagedriver "github.com/stevedore/stevedore/registry/storage/driver"
	"github.com/stevedore/stevedore/registry/storage/driver/testsuites"
)

func TestFilesystemDriverSuite(t *testing.T) {
	testsuites.Driver(t, func(t *testing.T) storagedriver.StorageDriver {
		return New(DriverParameters{RootDirectory: t.TempDir()})
	})
}

func TestFromParametersDefaults(t *testing.T) {
	d, err := FromParameters(nil)
	if err != nil {
		t.Fatalf("unexpected error constructing driver: %v", err)
	}

	realDriver, ok := d.baseEmbed.Base.StorageDriver.(*driver)
	if !ok {
		t.Fatal("unexpected driver type")
	}
	if realDriver.rootDirectory != defaultRootDirectory {
		t.Fatalf("unexpected default root directory: %q", realDriver.rootDirectory)
	}
}

func TestFromParametersRootDirectory(t *testing.T) {
	root := t.TempDir()
	d, err := FromParameters(map[string]interface{}{"rootdirectory": root})
	if err != nil {
		t.Fatalf("unexpected error constructing driver: %v", err)
	}

	realDriver := d.baseEmbed.Base.StorageDriver.(*driver)
	if realDriver.rootDirectory != root {
		t.Fatalf("unexpected root directory: %q != %q", realDriver.rootDirectory, root)
	}
}
