//go:build !unix

package pidfile

import "os"

// Without flock only the in-process mutex guards the registry.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
