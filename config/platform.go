package config

import "runtime"

func defaultLauncher() string {
	if runtime.GOOS == "windows" {
		return "reguinha.exe"
	}
	return "reguinha"
}

func defaultFlashPlayer() string {
	if runtime.GOOS == "windows" {
		return "flashplayer_sa.exe"
	}
	return "flashplayer"
}
