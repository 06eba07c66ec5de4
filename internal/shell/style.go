package shell

import "charm.land/lipgloss/v2"

type style struct {
	s     lipgloss.Style
	plain bool
}

func (st style) render(text string) string {
	if st.plain {
		return text
	}
	return st.s.Render(text)
}

var (
	plainStyle  = style{plain: true}
	callStyle   = style{s: lipgloss.NewStyle().Foreground(lipgloss.Color("6"))}
	returnStyle = style{s: lipgloss.NewStyle().Foreground(lipgloss.Color("2"))}
	errorStyle  = style{s: lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)}
)

// Banner renders text the way the shell renders errors, for use by the
// launcher's own failure report.
func Banner(text string, styled bool) string {
	if !styled {
		return text
	}
	return errorStyle.render(text)
}
