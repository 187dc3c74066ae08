package telegram

import "testing"

func TestMarkdownToTelegramHTML(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"plain", "hello", "hello"},
		{"bold", "Ticket **#12** opened", "Ticket <b>#12</b> opened"},
		{"code", "use `/take 12`", "use <code>/take 12</code>"},
		{"escape", "a < b & c > d", "a &lt; b &amp; c &gt; d"},
		{"bold inside code stays literal", "`**x**`", "<code>**x**</code>"},
		{"escape inside code", "`<b>`", "<code>&lt;b&gt;</code>"},
		{"unclosed markers", "**open and `tick", "**open and `tick"},
		{"multiline", "**A**\n`b`", "<b>A</b>\n<code>b</code>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := MarkdownToTelegramHTML(tc.in); got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestStripMarkdown(t *testing.T) {
	got := StripMarkdown("**Ticket #3** reply with `/reply 3 text`")
	want := "Ticket #3 reply with /reply 3 text"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
