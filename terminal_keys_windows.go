//go:build windows

// terminal_keys_windows.go - Playback keys are unsupported on Windows;
// playback runs to completion or until interrupted.

package main

type KeyReader struct{}

func NewKeyReader(onKey func(byte)) *KeyReader { return &KeyReader{} }

func (k *KeyReader) Start() {}

func (k *KeyReader) Stop() {}
