package content

import (
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSanitizeName(t *testing.T) {
	if got := SanitizeName("  <b>Alice</b> "); got != "Alice" {
		t.Errorf("SanitizeName() = %q, want %q", got, "Alice")
	}
	if got := SanitizeName("<script>x</script>"); got != "" {
		t.Errorf("SanitizeName() = %q, want empty", got)
	}
}

func TestRender(t *testing.T) {
	got, err := Render("**hi** there")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got != "<p><strong>hi</strong> there</p>" {
		t.Errorf("Render() = %q", got)
	}

	got, err = Render("<script>alert(1)</script>")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.Contains(got, "<script") {
		t.Errorf("Render() kept script tag: %q", got)
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid alphanumeric", "user123", false},
		{"Valid with dot", "user.name", false},
		{"Valid with dash", "user-name", false},
		{"Valid with underscore", "user_name", false},
		{"Invalid space", "user name", true},
		{"Invalid special char", "user@name", true},
		{"Invalid script", "<script>", true},
		{"Empty", "", true},
		{"Mixed case", "User.Name-123", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateUsername(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMessage(t *testing.T) {
	if err := ValidateMessage("   "); err == nil {
		t.Error("expected error for blank message")
	}
	if err := ValidateMessage(strings.Repeat("a", MaxMessageLength+1)); err == nil {
		t.Error("expected error for long message")
	}
	if err := ValidateMessage("hi"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMentions(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"None", "hello world", nil},
		{"Single", "hey @bob.", []string{"bob"}},
		{"Start of text", "@alice look", []string{"alice"}},
		{"Duplicates", "@bob and @bob again @carol", []string{"bob", "carol"}},
		{"Email is not a mention", "mail a@b.com", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Mentions(tt.input)
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("Mentions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectBlob(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	typeTag, mime := DetectBlob(png)
	if typeTag != "image" || mime != "image/png" {
		t.Errorf("DetectBlob(png) = %s %s", typeTag, mime)
	}

	typeTag, mime = DetectBlob([]byte("just some text"))
	if typeTag != "file" || mime != "application/octet-stream" {
		t.Errorf("DetectBlob(text) = %s %s", typeTag, mime)
	}
}
