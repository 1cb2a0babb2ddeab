package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	wden "github.com/luryus/wden"
)

// loginField indexes the focusable inputs of the login form.
type loginField int

const (
	fieldEmail loginField = iota
	fieldPassword
)

// LoginForm collects the email and master password.
type LoginForm struct {
	theme Theme

	email    textinput.Model
	password textinput.Model
	focus    loginField

	submitting bool
	errText    string
}

// NewLoginForm builds the form, pre-filling the email when the profile
// already knows it.
func NewLoginForm(theme Theme, email string) LoginForm {
	em := textinput.New()
	em.Placeholder = "email"
	em.CharLimit = 256
	em.SetValue(email)

	pw := textinput.New()
	pw.Placeholder = "master password"
	pw.EchoMode = textinput.EchoPassword
	pw.EchoCharacter = '•'
	pw.CharLimit = 1024

	f := LoginForm{theme: theme, email: em, password: pw}
	if email == "" {
		f.email.Focus()
	} else {
		f.focus = fieldPassword
		f.password.Focus()
	}
	return f
}

// Submitted returns the entered credentials. The caller owns the password
// bytes and wipes them after use.
func (f *LoginForm) Submitted() (string, []byte) {
	return strings.TrimSpace(f.email.Value()), []byte(f.password.Value())
}

// Reset clears the password and failure text for another attempt.
func (f *LoginForm) Reset(errText string) {
	f.password.SetValue("")
	f.errText = errText
	f.submitting = false
}

func (f LoginForm) Update(msg tea.Msg) (LoginForm, tea.Cmd) {
	if f.submitting {
		return f, nil
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "tab", "shift+tab", "up", "down":
			if f.focus == fieldEmail {
				f.focus = fieldPassword
				f.email.Blur()
				f.password.Focus()
			} else {
				f.focus = fieldEmail
				f.password.Blur()
				f.email.Focus()
			}
			return f, nil
		case "enter":
			if f.focus == fieldEmail {
				f.focus = fieldPassword
				f.email.Blur()
				f.password.Focus()
				return f, nil
			}
			if strings.TrimSpace(f.email.Value()) == "" || f.password.Value() == "" {
				f.errText = "email and master password are required"
				return f, nil
			}
			f.submitting = true
			return f, nil
		}
	}

	var cmd tea.Cmd
	switch f.focus {
	case fieldEmail:
		f.email, cmd = f.email.Update(msg)
	case fieldPassword:
		f.password, cmd = f.password.Update(msg)
	}
	return f, cmd
}

func (f LoginForm) View() string {
	var b strings.Builder
	b.WriteString(f.theme.Title.Render("wden — log in"))
	b.WriteString("\n\n")
	b.WriteString(f.theme.FieldLabel.Render("Email"))
	b.WriteString(f.email.View())
	b.WriteString("\n")
	b.WriteString(f.theme.FieldLabel.Render("Password"))
	b.WriteString(f.password.View())
	b.WriteString("\n\n")
	if f.submitting {
		b.WriteString(f.theme.Status.Render("signing in..."))
	} else if f.errText != "" {
		b.WriteString(f.theme.Error.Render(f.errText))
	}
	b.WriteString("\n")
	b.WriteString(f.theme.Help.Render("enter submit · tab switch field · ctrl+c quit"))
	return f.theme.Border.Render(b.String())
}

// TwoFactorForm prompts for a second factor code after the server issued
// a challenge.
type TwoFactorForm struct {
	theme Theme

	providers []wden.TwoFactorProviderType
	selected  int
	code      textinput.Model
	remember  bool

	submitting bool
	errText    string
}

// NewTwoFactorForm builds the prompt for the challenge's provider list.
// The preferred provider (authenticator when offered) starts selected.
func NewTwoFactorForm(theme Theme, challenge *wden.AuthChallenge) TwoFactorForm {
	code := textinput.New()
	code.Placeholder = "code"
	code.CharLimit = 64
	code.Focus()

	f := TwoFactorForm{theme: theme, providers: challenge.Providers, code: code}
	for i, p := range challenge.Providers {
		if p == wden.TwoFactorAuthenticator {
			f.selected = i
			break
		}
	}
	return f
}

// Submitted returns the selected provider response.
func (f *TwoFactorForm) Submitted() *wden.TwoFactorInput {
	return &wden.TwoFactorInput{
		Provider: f.providers[f.selected],
		Token:    strings.TrimSpace(f.code.Value()),
		Remember: f.remember,
	}
}

// Reset clears the code for another attempt.
func (f *TwoFactorForm) Reset(errText string) {
	f.code.SetValue("")
	f.errText = errText
	f.submitting = false
}

func (f TwoFactorForm) Update(msg tea.Msg) (TwoFactorForm, tea.Cmd) {
	if f.submitting {
		return f, nil
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "left", "shift+tab":
			if f.selected > 0 {
				f.selected--
			}
			return f, nil
		case "right", "tab":
			if f.selected < len(f.providers)-1 {
				f.selected++
			}
			return f, nil
		case "ctrl+r":
			f.remember = !f.remember
			return f, nil
		case "enter":
			if strings.TrimSpace(f.code.Value()) == "" {
				f.errText = "a code is required"
				return f, nil
			}
			f.submitting = true
			return f, nil
		}
	}

	var cmd tea.Cmd
	f.code, cmd = f.code.Update(msg)
	return f, cmd
}

func (f TwoFactorForm) View() string {
	var b strings.Builder
	b.WriteString(f.theme.Title.Render("Two-step login"))
	b.WriteString("\n\n")

	var names []string
	for i, p := range f.providers {
		name := p.String()
		if i == f.selected {
			name = f.theme.Selected.Render(" " + name + " ")
		} else {
			name = f.theme.Subtle.Render(" " + name + " ")
		}
		names = append(names, name)
	}
	b.WriteString(strings.Join(names, " "))
	b.WriteString("\n\n")
	b.WriteString(f.theme.FieldLabel.Render("Code"))
	b.WriteString(f.code.View())
	b.WriteString("\n")

	rememberMark := "[ ]"
	if f.remember {
		rememberMark = "[x]"
	}
	b.WriteString(fmt.Sprintf("%s remember this device (ctrl+r)\n\n", rememberMark))

	if f.submitting {
		b.WriteString(f.theme.Status.Render("verifying..."))
	} else if f.errText != "" {
		b.WriteString(f.theme.Error.Render(f.errText))
	}
	b.WriteString("\n")
	b.WriteString(f.theme.Help.Render("enter submit · tab provider · esc back"))
	return f.theme.Border.Render(b.String())
}

// LockForm is the lock screen: master password entry plus the biometric
// shortcut when escrow is available.
type LockForm struct {
	theme Theme

	password  textinput.Model
	biometric bool

	submitting bool
	errText    string
}

// NewLockForm builds the lock screen. biometric enables the escrow
// unlock hint and key.
func NewLockForm(theme Theme, biometric bool) LockForm {
	pw := textinput.New()
	pw.Placeholder = "master password"
	pw.EchoMode = textinput.EchoPassword
	pw.EchoCharacter = '•'
	pw.CharLimit = 1024
	pw.Focus()
	return LockForm{theme: theme, password: pw, biometric: biometric}
}

// Submitted returns the entered password. The caller owns the bytes.
func (f *LockForm) Submitted() []byte {
	return []byte(f.password.Value())
}

// Reset clears the password and failure text for another attempt.
func (f *LockForm) Reset(errText string) {
	f.password.SetValue("")
	f.errText = errText
	f.submitting = false
}

func (f LockForm) Update(msg tea.Msg) (LockForm, tea.Cmd) {
	if f.submitting {
		return f, nil
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.String() == "enter" {
		if f.password.Value() == "" {
			f.errText = "master password is required"
			return f, nil
		}
		f.submitting = true
		return f, nil
	}

	var cmd tea.Cmd
	f.password, cmd = f.password.Update(msg)
	return f, cmd
}

func (f LockForm) View() string {
	var b strings.Builder
	b.WriteString(f.theme.Title.Render("Vault locked"))
	b.WriteString("\n\n")
	b.WriteString(f.theme.FieldLabel.Render("Password"))
	b.WriteString(f.password.View())
	b.WriteString("\n\n")
	if f.submitting {
		b.WriteString(f.theme.Status.Render("unlocking..."))
	} else if f.errText != "" {
		b.WriteString(f.theme.Error.Render(f.errText))
	}
	b.WriteString("\n")
	help := "enter unlock · ctrl+c quit"
	if f.biometric {
		help = "enter unlock · ctrl+b biometric · ctrl+c quit"
	}
	b.WriteString(f.theme.Help.Render(help))
	return f.theme.Border.Render(b.String())
}
