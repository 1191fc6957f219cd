package main

import (
	wheelforge "wheelforge/internal/wheelforge"
)

func main() {
	wheelforge.Main()
}
