package git

// Config returns a [Config] handle scoped to this repository's
// working directory, suitable for reading "section.key" values with
// [Config.ListRegexp].
func (r *Repository) Config() *Config {
	return NewConfig(ConfigOptions{
		Dir:  r.root,
		Log:  r.log,
		exec: r.exec,
	})
}
