package main

import (
	"flag"
	"testing"

	"github.com/golang/glog"
	"github.com/stretchr/testify/require"

	"github.com/genmedia/comfy-worker/common"
)

func TestResetFlagsPreservesVerbosity(t *testing.T) {
	require := require.New(t)
	oldCommandLine := flag.CommandLine
	defer func() { flag.CommandLine = oldCommandLine }()

	vFlag := resetFlags()
	require.NotNil(vFlag)

	// The preserved flag value still drives glog verbosity after the reset.
	require.NoError(vFlag.Set("6"))
	defer vFlag.Set("0")
	require.True(bool(glog.V(common.DEBUG)))
	require.True(bool(glog.V(common.VERBOSE)))
}
