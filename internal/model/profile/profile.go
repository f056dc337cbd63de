package profile

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// Profile captures the assistant attributes exposed to the widget page and the Ark backend.
type Profile struct {
	Name         string `toml:"name" json:"name"`
	Title        string `toml:"title" json:"title"`
	WelcomeTitle string `toml:"welcome_title" json:"welcomeTitle"`
	WelcomeText  string `toml:"welcome_text" json:"welcomeText"`
	SystemPrompt string `toml:"system_prompt" json:"-"`
}

// Default is the profile used when no PROFILE_FILE is configured.
func Default() Profile {
	return Profile{
		Name:         "AI Assistant",
		Title:        "AI Assistant",
		WelcomeTitle: "Welcome to AI Assistant",
		WelcomeText:  "Start a conversation by typing your message below. Your session will be automatically created.",
		SystemPrompt: "You are a helpful assistant. Answer concisely. You may use **bold**, *italic*, '- ' bullet lines and image links.",
	}
}

// LoadFile decodes a TOML profile; fields left empty keep their default value.
func LoadFile(path string) (Profile, error) {
	var p Profile
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile %s: %w", path, err)
	}
	return p.withDefaults(), nil
}

// Load returns the default profile when path is blank.
func Load(path string) (Profile, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

func (p Profile) withDefaults() Profile {
	d := Default()
	if strings.TrimSpace(p.Name) == "" {
		p.Name = d.Name
	}
	if strings.TrimSpace(p.Title) == "" {
		p.Title = d.Title
	}
	if strings.TrimSpace(p.WelcomeTitle) == "" {
		p.WelcomeTitle = d.WelcomeTitle
	}
	if strings.TrimSpace(p.WelcomeText) == "" {
		p.WelcomeText = d.WelcomeText
	}
	if strings.TrimSpace(p.SystemPrompt) == "" {
		p.SystemPrompt = d.SystemPrompt
	}
	return p
}
