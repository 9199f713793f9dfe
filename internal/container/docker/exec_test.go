// Copyright 2024 Iotistic Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package docker

import (
	"bufio"
	"bytes"
	"context"
	"net"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	coretesting "github.com/iotistic/agent/internal/testing"
)

type execSuite struct {
	coretesting.BaseSuite

	client *stubClient
	engine *Engine
}

var _ = gc.Suite(&execSuite{})

func (s *execSuite) SetUpTest(c *gc.C) {
	s.BaseSuite.SetUpTest(c)
	s.client = &stubClient{}

	engine, err := NewEngine(Config{
		Client: s.client,
		Clock:  clock.WallClock,
		Logger: loggo.GetLogger("test.docker"),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.engine = engine
}

func (s *execSuite) TestExec(c *gc.C) {
	var buf bytes.Buffer
	outw := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	errw := stdcopy.NewStdWriter(&buf, stdcopy.Stderr)
	_, err := outw.Write([]byte("uptime: 42s\n"))
	c.Assert(err, jc.ErrorIsNil)
	_, err = errw.Write([]byte("warning: slow disk\n"))
	c.Assert(err, jc.ErrorIsNil)

	conn, _ := net.Pipe()
	s.client.execCreateResp = types.IDResponse{ID: "exec-1"}
	s.client.execAttachResp = types.HijackedResponse{
		Conn:   conn,
		Reader: bufio.NewReader(bytes.NewReader(buf.Bytes())),
	}
	s.client.execInspectResp = types.ContainerExecInspect{ExitCode: 3}

	result, err := s.engine.Exec(context.Background(), "cid-1", []string{"health-check", "--fast"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(result.ExitCode, gc.Equals, 3)
	c.Check(result.Stdout, gc.Equals, "uptime: 42s\n")
	c.Check(result.Stderr, gc.Equals, "warning: slow disk\n")

	s.client.CheckCallNames(c, "ContainerExecCreate", "ContainerExecAttach", "ContainerExecInspect")
	calls := s.client.Calls()
	config := calls[0].Args[1].(types.ExecConfig)
	c.Check(config.Cmd, jc.DeepEquals, []string{"health-check", "--fast"})
	c.Check(config.AttachStdout, jc.IsTrue)
	c.Check(config.AttachStderr, jc.IsTrue)
	c.Check(calls[1].Args[0], gc.Equals, "exec-1")
}

func (s *execSuite) TestExecEmptyCommand(c *gc.C) {
	_, err := s.engine.Exec(context.Background(), "cid-1", nil)
	c.Assert(err, gc.ErrorMatches, "empty exec command not valid")
	s.client.CheckCallNames(c)
}
