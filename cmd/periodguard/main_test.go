package main

import (
	"testing"

	_ "github.com/odyssey-erp/periodguard/testing"
)

func TestMainSkipsStartupInTestMode(t *testing.T) {
	main()
}
