package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	wden "github.com/luryus/wden"
)

// VaultView is the unlocked vault: a filterable item table with a detail
// pane for the selected item.
type VaultView struct {
	theme Theme
	keys  KeyMap

	items    []wden.DecryptedItem
	filtered []wden.DecryptedItem

	table      table.Model
	filter     textinput.Model
	filtering  bool
	showDetail bool
	revealed   bool
	width      int
	height     int
}

// NewVaultView builds the table over a decrypted item set.
func NewVaultView(theme Theme, keys KeyMap, items []wden.DecryptedItem) VaultView {
	filter := textinput.New()
	filter.Placeholder = "filter"
	filter.CharLimit = 128

	t := table.New(
		table.WithColumns(vaultColumns(80)),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderBottom(true)
	styles.Selected = theme.Selected
	t.SetStyles(styles)

	v := VaultView{theme: theme, keys: keys, filter: filter, table: t, width: 80, height: 24}
	v.SetItems(items)
	return v
}

// SetItems replaces the item set, keeping items sorted by name.
func (v *VaultView) SetItems(items []wden.DecryptedItem) {
	sorted := make([]wden.DecryptedItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Favorite != sorted[j].Favorite {
			return sorted[i].Favorite
		}
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})
	v.items = sorted
	v.applyFilter()
}

// Items returns the current item set, for wiping when the view is torn
// down.
func (v *VaultView) Items() []wden.DecryptedItem {
	return v.items
}

// Selected returns the item under the cursor, or nil when the table is
// empty.
func (v *VaultView) Selected() *wden.DecryptedItem {
	idx := v.table.Cursor()
	if idx < 0 || idx >= len(v.filtered) {
		return nil
	}
	return &v.filtered[idx]
}

// SetSize updates the layout after a terminal resize.
func (v *VaultView) SetSize(width, height int) {
	v.width = width
	v.height = height
	v.table.SetColumns(vaultColumns(width))
	tableHeight := height - 6
	if v.showDetail {
		tableHeight = height/2 - 4
	}
	if tableHeight < 3 {
		tableHeight = 3
	}
	v.table.SetHeight(tableHeight)
}

func vaultColumns(width int) []table.Column {
	nameWidth := width/3 - 2
	if nameWidth < 16 {
		nameWidth = 16
	}
	return []table.Column{
		{Title: "Name", Width: nameWidth},
		{Title: "Username", Width: nameWidth},
		{Title: "URI", Width: width - 2*nameWidth - 8},
	}
}

func (v *VaultView) applyFilter() {
	query := strings.ToLower(strings.TrimSpace(v.filter.Value()))
	if query == "" {
		v.filtered = v.items
	} else {
		var matched []wden.DecryptedItem
		for _, item := range v.items {
			if strings.Contains(strings.ToLower(item.Name), query) ||
				strings.Contains(strings.ToLower(item.Username), query) ||
				strings.Contains(strings.ToLower(item.URI), query) {
				matched = append(matched, item)
			}
		}
		v.filtered = matched
	}

	rows := make([]table.Row, len(v.filtered))
	for i, item := range v.filtered {
		name := item.Name
		if item.Favorite {
			name = "★ " + name
		}
		rows[i] = table.Row{name, item.Username, item.URI}
	}
	v.table.SetRows(rows)
	if v.table.Cursor() >= len(rows) && len(rows) > 0 {
		v.table.SetCursor(len(rows) - 1)
	}
}

func (v VaultView) Update(msg tea.Msg) (VaultView, tea.Cmd) {
	if v.filtering {
		if keyMsg, ok := msg.(tea.KeyMsg); ok {
			switch keyMsg.String() {
			case "enter":
				v.filtering = false
				v.filter.Blur()
				return v, nil
			case "esc":
				v.filtering = false
				v.filter.Blur()
				v.filter.SetValue("")
				v.applyFilter()
				return v, nil
			}
		}
		var cmd tea.Cmd
		v.filter, cmd = v.filter.Update(msg)
		v.applyFilter()
		return v, cmd
	}

	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch {
		case key.Matches(keyMsg, v.keys.Filter):
			v.filtering = true
			v.filter.Focus()
			return v, nil
		case key.Matches(keyMsg, v.keys.Select):
			if v.Selected() != nil {
				v.showDetail = true
				v.revealed = false
				v.SetSize(v.width, v.height)
			}
			return v, nil
		case key.Matches(keyMsg, v.keys.Back):
			if v.showDetail {
				v.showDetail = false
				v.revealed = false
				v.SetSize(v.width, v.height)
				return v, nil
			}
			if v.filter.Value() != "" {
				v.filter.SetValue("")
				v.applyFilter()
				return v, nil
			}
			return v, nil
		case key.Matches(keyMsg, v.keys.Reveal):
			if v.showDetail {
				v.revealed = !v.revealed
				return v, nil
			}
		}
	}

	var cmd tea.Cmd
	v.table, cmd = v.table.Update(msg)
	return v, cmd
}

func (v VaultView) View() string {
	var b strings.Builder

	header := v.theme.Title.Render("wden vault")
	count := v.theme.Subtle.Render(fmt.Sprintf(" %d/%d items", len(v.filtered), len(v.items)))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Bottom, header, count))
	b.WriteString("\n")

	if v.filtering || v.filter.Value() != "" {
		b.WriteString(v.filter.View())
		b.WriteString("\n")
	}

	b.WriteString(v.table.View())
	b.WriteString("\n")

	if v.showDetail {
		if item := v.Selected(); item != nil {
			b.WriteString(v.renderDetail(item))
			b.WriteString("\n")
		}
	}

	b.WriteString(v.theme.Help.Render("enter open · / filter · s sync · r reveal · L lock · q quit"))
	return b.String()
}

func (v VaultView) renderDetail(item *wden.DecryptedItem) string {
	var b strings.Builder

	row := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(v.theme.FieldLabel.Render(label))
		b.WriteString(v.theme.FieldValue.Render(value))
		b.WriteString("\n")
	}

	b.WriteString(v.theme.Title.Render(item.Name))
	b.WriteString("\n")
	row("Kind", item.Kind.String())
	row("Username", item.Username)

	if item.Password != "" {
		masked := strings.Repeat("•", 10)
		if v.revealed {
			masked = item.Password
		}
		row("Password", masked)
	}

	row("URI", item.URI)
	row("Notes", item.Notes)

	if len(item.Fields) > 0 {
		names := make([]string, 0, len(item.Fields))
		for name := range item.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			row(name, item.Fields[name])
		}
	}

	return v.theme.Border.Width(v.width - 4).Render(strings.TrimRight(b.String(), "\n"))
}
