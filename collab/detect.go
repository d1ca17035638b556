package collab

import (
	"strings"
)

// minimum buffer length before detection is attempted
const minDetectLength = 10

// detection returns plaintext below this relevance
const detectRelevanceThreshold = 1

type languageMarker struct {
	token  string
	weight int
}

// distinctive tokens per language, in rough order of specificity.
// this is a heuristic, not a parser. ties resolve to the first language
// listed, and anything ambiguous falls back to plaintext.
var languageMarkers = map[string][]languageMarker{
	"javascript": {
		{"function ", 1},
		{"const ", 1},
		{"let ", 1},
		{"=> ", 1},
		{"console.log", 2},
		{"async ", 1},
		{"await ", 1},
	},
	"typescript": {
		{": string", 2},
		{": number", 2},
		{"interface ", 2},
		{"readonly ", 1},
		{"implements ", 1},
		{"enum ", 1},
	},
	"python": {
		{"def ", 2},
		{"import ", 1},
		{"self.", 1},
		{"elif ", 2},
		{"lambda ", 2},
		{"print(", 1},
		{"__init__", 3},
	},
	"go": {
		{"func ", 2},
		{"package ", 2},
		{":= ", 2},
		{"fmt.", 2},
		{"chan ", 2},
		{"defer ", 2},
		{"go func", 3},
	},
	"rust": {
		{"fn ", 2},
		{"let mut ", 3},
		{"impl ", 2},
		{"pub ", 1},
		{"match ", 1},
		{"::<", 2},
		{"println!", 3},
	},
	"java": {
		{"public class ", 3},
		{"public static void main", 4},
		{"System.out.println", 3},
		{"private ", 1},
		{"extends ", 1},
		{"@Override", 3},
	},
	"cpp": {
		{"#include", 3},
		{"std::", 3},
		{"cout <<", 3},
		{"nullptr", 2},
		{"template<", 2},
	},
	"csharp": {
		{"using System", 4},
		{"namespace ", 2},
		{"Console.WriteLine", 3},
		{"public void ", 1},
		{"var ", 1},
	},
	"ruby": {
		{"def ", 1},
		{"end\n", 1},
		{"puts ", 2},
		{"require '", 2},
		{"do |", 2},
		{"attr_accessor", 3},
	},
	"php": {
		{"<?php", 4},
		{"$this->", 3},
		{"echo ", 1},
		{"function ", 1},
	},
	"sql": {
		{"select ", 2},
		{"from ", 1},
		{"where ", 1},
		{"insert into ", 3},
		{"create table ", 3},
		{"group by ", 2},
	},
	"json": {
		{"{\"", 1},
		{"\": ", 1},
		{"\":", 1},
		{"null", 1},
	},
	"markdown": {
		{"# ", 1},
		{"## ", 2},
		{"```", 3},
		{"](", 2},
		{"- ", 1},
	},
	"css": {
		{"px;", 2},
		{"color:", 2},
		{"margin:", 2},
		{"display:", 2},
		{"@media", 3},
	},
	"xml": {
		{"</", 2},
		{"/>", 1},
		{"<!DOCTYPE", 3},
		{"<div", 2},
	},
}

// languages in a fixed priority order so scoring ties are deterministic
var detectOrder = []string{
	"go",
	"rust",
	"python",
	"java",
	"csharp",
	"cpp",
	"php",
	"typescript",
	"javascript",
	"ruby",
	"sql",
	"css",
	"markdown",
	"json",
	"xml",
}

// DetectLanguage scores the buffer against each language's markers and
// returns the best match with its relevance. relevance at or below the
// threshold means the result is plaintext.
func DetectLanguage(content string) (string, int) {
	trimmed := strings.TrimSpace(content)
	if len(trimmed) < minDetectLength {
		return DefaultLanguage, 0
	}
	lower := strings.ToLower(trimmed)

	bestLanguage := DefaultLanguage
	bestScore := 0
	for _, language := range detectOrder {
		score := 0
		for _, marker := range languageMarkers[language] {
			token := marker.token
			// case matters for language keywords, not for sql
			haystack := trimmed
			if language == "sql" {
				haystack = lower
			}
			if n := strings.Count(haystack, token); 0 < n {
				score += marker.weight
			}
		}
		if bestScore < score {
			bestScore = score
			bestLanguage = language
		}
	}

	if bestScore <= detectRelevanceThreshold {
		return DefaultLanguage, bestScore
	}
	return bestLanguage, bestScore
}

// LanguageDetector gates detection on the preference toggle and on having an
// authenticated session, matching the editor behavior: guests always stay
// plaintext.
type LanguageDetector struct {
	preferences *Preferences
	session     *Session
}

func NewLanguageDetector(preferences *Preferences, session *Session) *LanguageDetector {
	return &LanguageDetector{
		preferences: preferences,
		session:     session,
	}
}

func (self *LanguageDetector) Detect(content string) string {
	if self.session == nil || self.session.User() == nil {
		return DefaultLanguage
	}
	if self.preferences != nil && !self.preferences.LanguageDetectionEnabled() {
		return DefaultLanguage
	}
	language, _ := DetectLanguage(content)
	return language
}
