package collab

import (
	"strconv"
)

const (
	prefKeyDarkMode          = "pref_dark_mode"
	prefKeyFontSize          = "pref_font_size"
	prefKeyMinimap           = "pref_minimap"
	prefKeyLanguageDetection = "pref_language_detection"
	prefKeyFullscreen        = "pref_fullscreen"
)

const (
	DefaultFontSize = 14
	MinFontSize     = 8
	MaxFontSize     = 32
)

type PreferencesChangeFunction func(preferences *Preferences)

// Preferences are independent key-value toggles persisted through the
// injected store. There is no interaction between preferences.
type Preferences struct {
	store KeyValueStore

	changeCallbacks *CallbackList[PreferencesChangeFunction]
}

func NewPreferences(store KeyValueStore) *Preferences {
	return &Preferences{
		store:           store,
		changeCallbacks: NewCallbackList[PreferencesChangeFunction](),
	}
}

func (self *Preferences) AddChangeCallback(changeCallback PreferencesChangeFunction) func() {
	return self.changeCallbacks.Add(changeCallback)
}

func (self *Preferences) notify() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(self)
	}
}

func (self *Preferences) getBool(key string, defaultValue bool) bool {
	value, ok := self.store.Get(key)
	if !ok {
		return defaultValue
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func (self *Preferences) setBool(key string, value bool) {
	self.store.Set(key, strconv.FormatBool(value))
	self.notify()
}

func (self *Preferences) DarkMode() bool {
	return self.getBool(prefKeyDarkMode, true)
}

func (self *Preferences) SetDarkMode(darkMode bool) {
	self.setBool(prefKeyDarkMode, darkMode)
}

func (self *Preferences) ToggleDarkMode() {
	self.SetDarkMode(!self.DarkMode())
}

func (self *Preferences) FontSize() int {
	value, ok := self.store.Get(prefKeyFontSize)
	if !ok {
		return DefaultFontSize
	}
	fontSize, err := strconv.Atoi(value)
	if err != nil {
		return DefaultFontSize
	}
	return fontSize
}

func (self *Preferences) SetFontSize(fontSize int) {
	if fontSize < MinFontSize {
		fontSize = MinFontSize
	}
	if MaxFontSize < fontSize {
		fontSize = MaxFontSize
	}
	self.store.Set(prefKeyFontSize, strconv.Itoa(fontSize))
	self.notify()
}

func (self *Preferences) MinimapEnabled() bool {
	return self.getBool(prefKeyMinimap, true)
}

func (self *Preferences) SetMinimapEnabled(enabled bool) {
	self.setBool(prefKeyMinimap, enabled)
}

func (self *Preferences) ToggleMinimap() {
	self.SetMinimapEnabled(!self.MinimapEnabled())
}

func (self *Preferences) LanguageDetectionEnabled() bool {
	return self.getBool(prefKeyLanguageDetection, true)
}

func (self *Preferences) SetLanguageDetectionEnabled(enabled bool) {
	self.setBool(prefKeyLanguageDetection, enabled)
}

func (self *Preferences) ToggleLanguageDetection() {
	self.SetLanguageDetectionEnabled(!self.LanguageDetectionEnabled())
}

func (self *Preferences) Fullscreen() bool {
	return self.getBool(prefKeyFullscreen, false)
}

func (self *Preferences) SetFullscreen(fullscreen bool) {
	self.setBool(prefKeyFullscreen, fullscreen)
}

func (self *Preferences) ToggleFullscreen() {
	self.SetFullscreen(!self.Fullscreen())
}
