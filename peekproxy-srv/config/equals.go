package config

// HasChanged returns true if the configuration has changed compared to another config.
// This implementation explicitly compares all fields without using reflection.
func HasChanged(a, b *Config) bool {
	if a == nil || b == nil {
		return a != b
	}
	if a.ListenHost != b.ListenHost ||
		a.Port != b.Port ||
		a.MaxConcurrentConnections != b.MaxConcurrentConnections ||
		a.MaxRequestBytes != b.MaxRequestBytes ||
		a.ReadTimeoutSeconds != b.ReadTimeoutSeconds ||
		a.DialTimeoutSeconds != b.DialTimeoutSeconds ||
		a.LogLevel != b.LogLevel {
		return true
	}
	if !upstreamEqual(a.Upstream, b.Upstream) {
		return true
	}
	return a.Statistics != b.Statistics
}

func upstreamEqual(a, b UpstreamConfig) bool {
	return a.Type == b.Type &&
		a.Address == b.Address &&
		stringPtrEqual(a.Username, b.Username) &&
		stringPtrEqual(a.Password, b.Password)
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
