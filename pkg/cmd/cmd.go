package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"reflect"

	"github.com/hashicorp/go-hclog"
	"github.com/jessevdk/go-flags"
	"golang.org/x/sys/unix"
	"lab47.dev/cmvm/pkg/progress"
)

// Prefix starts every line the tool prints for the user.
const Prefix = "[cmvm]"

var ctxType = reflect.TypeOf((*context.Context)(nil)).Elem()

// Cmd adapts a func(context.Context, OptsStruct) error into a cli.Command.
// The fields of OptsStruct are parsed with go-flags, including any
// positional-args group.
type Cmd struct {
	syn, name string
	f         reflect.Value

	opts   reflect.Value
	parser *flags.Parser

	out io.Writer
}

func New(name, syn string, f interface{}) *Cmd {
	rv := reflect.ValueOf(f)

	if rv.Kind() != reflect.Func {
		panic("must pass a function")
	}

	rt := rv.Type()

	if rt.NumIn() != 2 {
		panic("must provide two arguments only")
	}

	if !rt.In(0).Implements(ctxType) {
		panic("first argument must be a context.Context")
	}

	if rt.NumOut() != 1 {
		panic("must return one argument only")
	}

	in := rt.In(1)

	if in.Kind() != reflect.Struct {
		panic("argument must be a struct")
	}

	sv := reflect.New(in)

	parser := flags.NewNamedParser("cmvm "+name, flags.HelpFlag|flags.PassDoubleDash)
	parser.ShortDescription = syn
	parser.LongDescription = syn

	_, err := parser.AddGroup("Options", "", sv.Interface())
	if err != nil {
		panic(err)
	}

	return &Cmd{
		syn:    syn,
		name:   name,
		f:      rv,
		opts:   sv,
		parser: parser,
		out:    os.Stderr,
	}
}

func (w *Cmd) Help() string {
	var buf bytes.Buffer
	w.parser.WriteHelp(&buf)
	return buf.String()
}

func (w *Cmd) Synopsis() string {
	return w.syn
}

func (w *Cmd) Run(args []string) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cancelOnSignal(cancel, os.Interrupt, unix.SIGQUIT, unix.SIGTERM)

	return w.run(progress.Open(ctx, w.out), args)
}

func (w *Cmd) run(ctx context.Context, args []string) int {
	extra, err := w.parser.ParseArgs(args)
	if err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			fmt.Fprintln(w.out, w.Help())
			return 0
		}

		fmt.Fprintf(w.out, "%s Error: %s\n", Prefix, err)
		return 1
	}

	if len(extra) > 0 {
		fmt.Fprintf(w.out, "%s Error: unexpected arguments: %v\n", Prefix, extra)
		return 1
	}

	rets := w.f.Call([]reflect.Value{reflect.ValueOf(ctx), w.opts.Elem()})

	if err, ok := rets[0].Interface().(error); ok && err != nil {
		if hclog.L().IsDebug() {
			fmt.Fprintf(w.out, "%s Error: %+v\n", Prefix, err)
		} else {
			fmt.Fprintf(w.out, "%s Error: %s\n", Prefix, err)
		}

		return 1
	}

	return 0
}

func cancelOnSignal(cancel func(), signals ...os.Signal) {
	c := make(chan os.Signal, 2)
	signal.Notify(c, signals...)

	go func() {
		for range c {
			cancel()
		}
	}()
}
