package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/droidgrity/droidgrity-go/internal/config"
	"golang.org/x/term"
)

// errNoTerminal 缺少签名参数且无法交互输入
var errNoTerminal = errors.New("keystore password, key alias and key password are required (stdin is not a terminal)")

// prompter 交互读取缺失的签名参数
type prompter struct {
	interactive  bool
	in           *bufio.Reader
	out          io.Writer
	readPassword func() (string, error)
}

func newTerminalPrompter() *prompter {
	fd := int(os.Stdin.Fd())
	return &prompter{
		interactive: term.IsTerminal(fd),
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stderr,
		readPassword: func() (string, error) {
			b, err := term.ReadPassword(fd)
			return string(b), err
		},
	}
}

func (p *prompter) line(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", err
	}
	return strings.TrimSpace(s), nil
}

func (p *prompter) secret(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)
	s, err := p.readPassword()
	fmt.Fprintln(p.out)
	return s, err
}

// completeSigning 补全缺失的 keystore 密码、别名与密钥密码
func completeSigning(cfg *config.Config, p *prompter) error {
	s := &cfg.Signing
	if s.Keystore == "" {
		return errors.New("keystore is required (--keystore)")
	}
	if s.StorePass != "" && s.Alias != "" && s.KeyPass != "" {
		return nil
	}
	if !p.interactive {
		return errNoTerminal
	}

	var err error
	if s.StorePass == "" {
		if s.StorePass, err = p.secret("Keystore password"); err != nil {
			return err
		}
	}
	if s.Alias == "" {
		if s.Alias, err = p.line("Key alias"); err != nil {
			return err
		}
	}
	if s.KeyPass == "" {
		if s.KeyPass, err = p.secret("Key password (empty = keystore password)"); err != nil {
			return err
		}
		if s.KeyPass == "" {
			s.KeyPass = s.StorePass
		}
	}
	return nil
}
