// Copyright (c) 2015 Western Digital Corporation or its affiliates.  All rights reserved.
// SPDX-License-Identifier: MIT

package stream

import (
	"testing"

	test "github.com/westerndigitalcorporation/redolog/pkg/testutil"
)

func TestMain(m *testing.M) {
	test.TestMain(m)
}
