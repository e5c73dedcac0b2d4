package shared

const Version = "0.1.0"
