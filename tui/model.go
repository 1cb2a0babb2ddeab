// Package tui is the terminal front end: a bubbletea program over an
// App covering login, two-step verification, the vault table and the
// lock screen. All vault plaintext it holds is wiped when the vault
// locks.
package tui

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	wden "github.com/luryus/wden"
	"github.com/luryus/wden/escrow"
)

// screen identifies the active view.
type screen int

const (
	screenLogin screen = iota
	screenTwoFactor
	screenLoading
	screenVault
	screenLocked
)

// autolockInterval is how often the inactivity check runs. The window
// itself comes from the profile options.
const autolockInterval = 15 * time.Second

// loginDoneMsg reports a completed login attempt. A non-nil challenge
// moves to the two-factor screen.
type loginDoneMsg struct {
	challenge *wden.AuthChallenge
	err       error
}

// unlockDoneMsg reports a completed unlock attempt from the lock screen.
type unlockDoneMsg struct {
	err error
}

// itemsDoneMsg delivers the decrypted item set after a sync or cache
// load.
type itemsDoneMsg struct {
	items     []wden.DecryptedItem
	fromCache bool
	err       error
}

// autolockTickMsg drives the periodic inactivity check.
type autolockTickMsg time.Time

// rememberPersistedMsg reports the outcome of saving the remembered
// two-factor device token.
type rememberPersistedMsg struct {
	err error
}

// Model is the top-level bubbletea model.
type Model struct {
	app   *wden.App
	theme Theme
	keys  KeyMap

	// persistRemember stores the remembered two-factor device token in
	// the profile, so future logins skip the prompt. Nil disables it.
	persistRemember func(token string) error

	width  int
	height int

	screen    screen
	login     LoginForm
	twoFactor TwoFactorForm
	vault     VaultView
	lock      LockForm

	// email and password are held across challenge rounds; the password
	// is wiped once the session is established or abandoned.
	email     string
	password  []byte
	challenge *wden.AuthChallenge

	status  string
	errText string
}

// New builds the TUI over an App. email pre-fills the login form;
// persistRemember, when non-nil, is called with a fresh two-factor
// device token after a remembered login.
func New(app *wden.App, email string, persistRemember func(token string) error) Model {
	theme := DefaultTheme
	m := Model{
		app:             app,
		theme:           theme,
		keys:            DefaultKeyMap,
		persistRemember: persistRemember,
		screen:          screenLogin,
		login:           NewLoginForm(theme, email),
		email:           email,
	}
	// The CLI may have authenticated already (stored API key); skip the
	// login form and go straight to syncing.
	if app.Lifecycle().State() == wden.Unlocked {
		m.screen = screenLoading
		m.status = "syncing..."
	}
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{tea.EnterAltScreen, m.autolockTick()}
	if m.screen == screenLoading {
		cmds = append(cmds, m.refreshCmd())
	}
	return tea.Batch(cmds...)
}

func (m Model) autolockTick() tea.Cmd {
	return tea.Tick(autolockInterval, func(t time.Time) tea.Msg {
		return autolockTickMsg(t)
	})
}

func (m *Model) wipePassword() {
	for i := range m.password {
		m.password[i] = 0
	}
	m.password = nil
}

func (m *Model) wipeVault() {
	items := m.vault.Items()
	for i := range items {
		items[i].Wipe()
	}
	m.vault = VaultView{}
}

// loginCmd runs the password grant off the UI goroutine. When the
// identity server is unreachable it falls back to the persisted session,
// which together with the sealed cache brings the vault up offline.
func (m *Model) loginCmd(opts wden.LoginOptions) tea.Cmd {
	app, email, password := m.app, m.email, m.password
	return func() tea.Msg {
		challenge, err := app.LoginWithPassword(context.Background(), email, password, opts)
		if err != nil {
			var netErr *wden.NetworkError
			if errors.As(err, &netErr) {
				if ok, resumeErr := app.ResumeSession(password); resumeErr == nil && ok {
					return loginDoneMsg{}
				}
			}
		}
		return loginDoneMsg{challenge: challenge, err: err}
	}
}

func (m *Model) resolveCmd(input *wden.TwoFactorInput) tea.Cmd {
	app, email, password, challenge := m.app, m.email, m.password, m.challenge
	return func() tea.Msg {
		next, err := app.ResolveChallenge(context.Background(), email, password, challenge, wden.LoginOptions{TwoFactor: input})
		return loginDoneMsg{challenge: next, err: err}
	}
}

func (m *Model) unlockCmd(password []byte) tea.Cmd {
	app := m.app
	return func() tea.Msg {
		err := app.Lifecycle().UnlockWithPassword(password)
		for i := range password {
			password[i] = 0
		}
		return unlockDoneMsg{err: err}
	}
}

func (m *Model) biometricCmd() tea.Cmd {
	app := m.app
	return func() tea.Msg {
		return unlockDoneMsg{err: app.Lifecycle().UnlockWithBiometric(context.Background())}
	}
}

// refreshCmd syncs from the server and decrypts. On a network failure it
// falls back to the sealed offline cache.
func (m *Model) refreshCmd() tea.Cmd {
	app := m.app
	return func() tea.Msg {
		ctx := context.Background()
		fromCache := false
		if err := app.Sync(ctx); err != nil {
			var netErr *wden.NetworkError
			if !errors.As(err, &netErr) {
				return itemsDoneMsg{err: err}
			}
			ok, cacheErr := app.LoadCached()
			if cacheErr != nil || !ok {
				return itemsDoneMsg{err: err}
			}
			fromCache = true
		}
		items, err := app.Items(ctx)
		return itemsDoneMsg{items: items, fromCache: fromCache, err: err}
	}
}

// cachedItemsCmd decrypts the in-memory item set again, after an unlock
// from the lock screen.
func (m *Model) cachedItemsCmd() tea.Cmd {
	app := m.app
	return func() tea.Msg {
		items, err := app.Items(context.Background())
		return itemsDoneMsg{items: items, err: err}
	}
}

func (m *Model) persistRememberCmd() tea.Cmd {
	if m.persistRemember == nil {
		return nil
	}
	token := m.app.RememberedTwoFactor()
	if token == "" {
		return nil
	}
	persist := m.persistRemember
	return func() tea.Msg {
		return rememberPersistedMsg{err: persist(token)}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.vault.SetSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		m.app.Lifecycle().Touch()
		// q quits only on the vault table; text inputs need the letter.
		quit := msg.String() == "ctrl+c" ||
			(msg.String() == "q" && m.screen == screenVault && !m.vault.filtering)
		if quit {
			m.wipeVault()
			m.wipePassword()
			return m, tea.Quit
		}
		return m.updateScreen(msg)

	case loginDoneMsg:
		return m.handleLoginDone(msg)

	case unlockDoneMsg:
		if msg.err != nil {
			text := "unlock failed"
			if errors.Is(msg.err, wden.ErrInvalidPassword) {
				text = "invalid master password"
			} else if errors.Is(msg.err, escrow.ErrBiometricDenied) {
				text = "biometric verification denied"
			}
			m.lock.Reset(text)
			return m, nil
		}
		m.screen = screenLoading
		m.status = "decrypting..."
		return m, m.cachedItemsCmd()

	case itemsDoneMsg:
		if msg.err != nil {
			if errors.Is(msg.err, wden.ErrTokenExpired) {
				m.screen = screenLogin
				m.login = NewLoginForm(m.theme, m.email)
				m.login.Reset("session expired, log in again")
				return m, nil
			}
			m.errText = msg.err.Error()
			if m.screen == screenLoading {
				m.screen = screenVault
				m.vault = NewVaultView(m.theme, m.keys, nil)
				m.vault.SetSize(m.width, m.height)
			}
			return m, nil
		}
		m.errText = ""
		m.status = ""
		if msg.fromCache {
			m.status = "offline: showing cached vault"
		}
		if m.screen == screenVault {
			m.vault.SetItems(msg.items)
		} else {
			m.vault = NewVaultView(m.theme, m.keys, msg.items)
			m.vault.SetSize(m.width, m.height)
			m.screen = screenVault
		}
		return m, nil

	case rememberPersistedMsg:
		if msg.err != nil {
			m.errText = "saving device token failed: " + msg.err.Error()
		}
		return m, nil

	case autolockTickMsg:
		window := m.app.Options().AutoLockAfter
		if window > 0 && m.screen == screenVault &&
			m.app.Lifecycle().State() == wden.Unlocked &&
			time.Since(m.app.Lifecycle().LastActivity()) >= window {
			m.lockNow()
		}
		return m, m.autolockTick()
	}

	return m.updateScreen(msg)
}

func (m *Model) lockNow() {
	m.app.Lock()
	m.wipeVault()
	m.lock = NewLockForm(m.theme, m.app.Options().Biometrics)
	m.screen = screenLocked
	m.status = ""
}

func (m Model) handleLoginDone(msg loginDoneMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		text := "login failed: " + msg.err.Error()
		var rateErr *wden.RateLimitError
		switch {
		case errors.Is(msg.err, wden.ErrInvalidPassword):
			text = "invalid email or master password"
		case errors.As(msg.err, &rateErr):
			text = "rate limited, try again later"
		}
		m.wipePassword()
		m.screen = screenLogin
		m.login = NewLoginForm(m.theme, m.email)
		m.login.Reset(text)
		return m, nil
	}

	if msg.challenge != nil {
		if msg.challenge.IsCaptcha() {
			// Captcha resolution needs a browser; the CLI api-key path
			// is the supported way around it.
			m.wipePassword()
			m.screen = screenLogin
			m.login = NewLoginForm(m.theme, m.email)
			m.login.Reset("captcha required: store your API key with 'wden login', then relaunch")
			return m, nil
		}
		m.challenge = msg.challenge
		m.twoFactor = NewTwoFactorForm(m.theme, msg.challenge)
		m.screen = screenTwoFactor
		return m, nil
	}

	// Session established and vault unlocked.
	m.wipePassword()
	m.challenge = nil
	m.screen = screenLoading
	m.status = "syncing..."
	return m, tea.Batch(m.refreshCmd(), m.persistRememberCmd())
}

func (m Model) updateScreen(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m.screen {
	case screenLogin:
		var cmd tea.Cmd
		m.login, cmd = m.login.Update(msg)
		if m.login.submitting {
			email, password := m.login.Submitted()
			m.email = email
			m.password = password
			return m, m.loginCmd(wden.LoginOptions{})
		}
		return m, cmd

	case screenTwoFactor:
		if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.String() == "esc" {
			m.wipePassword()
			m.challenge = nil
			m.screen = screenLogin
			m.login = NewLoginForm(m.theme, m.email)
			return m, nil
		}
		var cmd tea.Cmd
		m.twoFactor, cmd = m.twoFactor.Update(msg)
		if m.twoFactor.submitting {
			return m, m.resolveCmd(m.twoFactor.Submitted())
		}
		return m, cmd

	case screenVault:
		if keyMsg, ok := msg.(tea.KeyMsg); ok {
			switch {
			case key.Matches(keyMsg, m.keys.Lock):
				m.lockNow()
				return m, nil
			case key.Matches(keyMsg, m.keys.Sync):
				if !m.vault.filtering {
					m.status = "syncing..."
					return m, m.refreshCmd()
				}
			}
		}
		var cmd tea.Cmd
		m.vault, cmd = m.vault.Update(msg)
		return m, cmd

	case screenLocked:
		if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.String() == "ctrl+b" && m.app.Options().Biometrics {
			m.lock.submitting = true
			return m, m.biometricCmd()
		}
		var cmd tea.Cmd
		m.lock, cmd = m.lock.Update(msg)
		if m.lock.submitting {
			return m, m.unlockCmd(m.lock.Submitted())
		}
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	var body string
	switch m.screen {
	case screenLogin:
		body = m.login.View()
	case screenTwoFactor:
		body = m.twoFactor.View()
	case screenLoading:
		body = m.theme.Status.Render(m.status)
	case screenVault:
		body = m.vault.View()
		if m.status != "" {
			body += "\n" + m.theme.Status.Render(m.status)
		}
		if m.errText != "" {
			body += "\n" + m.theme.Error.Render(m.errText)
		}
		return body
	case screenLocked:
		body = m.lock.View()
	}

	if m.width == 0 {
		return body
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, body)
}

// Run starts the program and blocks until it exits.
func Run(app *wden.App, email string, persistRemember func(token string) error) error {
	program := tea.NewProgram(New(app, email, persistRemember))
	_, err := program.Run()
	return err
}
