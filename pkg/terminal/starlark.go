package terminal

import (
	"context"

	"github.com/memscan/memscan/pkg/config"
	"github.com/memscan/memscan/pkg/remote"
	"github.com/memscan/memscan/pkg/scan"
	"github.com/memscan/memscan/pkg/terminal/starbind"
)

type starlarkContext struct {
	term *Term
}

var _ starbind.Context = starlarkContext{}

func (ctx starlarkContext) Client() *remote.Client {
	return ctx.term.client
}

func (ctx starlarkContext) Process() *remote.ProcessInfo {
	return ctx.term.proc
}

func (ctx starlarkContext) Session() *scan.Session {
	return ctx.term.session
}

func (ctx starlarkContext) SetSession(s *scan.Session) {
	ctx.term.session = s
}

func (ctx starlarkContext) Config() *config.Config {
	return ctx.term.conf
}

func (ctx starlarkContext) RegisterCommand(name, helpMsg string, fn func(args string) error) {
	ctx.term.cmds.Register(name, func(t *Term, _ context.Context, args string) error {
		return fn(args)
	}, helpMsg)
}

func (ctx starlarkContext) CallCommand(cmdstr string) error {
	return ctx.term.cmds.Call(cmdstr, ctx.term)
}
