//go:build !unix

package main

import "errors"

func dropPrivileges(string) error {
	return errors.New("setuid is not supported on this platform")
}
