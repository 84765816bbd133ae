package config

// Default values for the backup configuration.
const (
	DefaultBasePath     = "~"
	DefaultOutputPath   = "~/.config/homesnap/backups/backup-{timestamp}.tar.zst"
	DefaultFormat       = "zstd"
	DefaultLevel        = 3
	DefaultMaxFileSize  = "100MB"
	DefaultConflict     = "prompt"
	DefaultBackupSuffix = ".backup-{timestamp}"
)

// DefaultDotDirectoryWhitelist lists the home-root dot directories that are scanned.
var DefaultDotDirectoryWhitelist = []string{
	".ssh",
	".gnupg",
	".aws",
	".kube",
	".config",
	".emacs.d",
}

// DefaultOverridePatterns selects ignored repository files that are still worth keeping.
var DefaultOverridePatterns = []string{
	"**/.env*",
	"**/*.env",
	"**/.env.*",
	"**/secrets.*",
	"**/config.*",
}

// DefaultIncludePatterns selects user content outside repositories.
var DefaultIncludePatterns = []string{
	// code and text
	"**/*.py", "**/*.js", "**/*.ts", "**/*.tsx", "**/*.jsx",
	"**/*.java", "**/*.cpp", "**/*.c", "**/*.h", "**/*.rs", "**/*.go",
	"**/*.md", "**/*.rst", "**/*.txt",
	"**/*.yaml", "**/*.yml", "**/*.json", "**/*.toml", "**/*.ini", "**/*.cfg",
	"**/src/**", "**/docs/**", "**/doc/**", "**/tests/**", "**/test/**",
	"**/*.sql", "**/*.sh", "**/*.bash", "**/*.zsh",
	"**/Dockerfile*", "**/docker-compose*", "**/Makefile*", "**/.env*",
	// images
	"**/*.png", "**/*.jpg", "**/*.jpeg", "**/*.gif", "**/*.bmp", "**/*.svg", "**/*.webp",
	"**/*.ico", "**/*.tiff", "**/*.tif",
	// documents
	"**/*.pdf", "**/*.doc", "**/*.docx", "**/*.odt", "**/*.rtf",
	"**/*.xls", "**/*.xlsx", "**/*.ods", "**/*.csv",
	"**/*.ppt", "**/*.pptx", "**/*.odp",
	"**/Pictures/**", "**/Screenshots/**", "**/Documents/**", "**/Desktop/**",
	// dotfiles
	"**/.bashrc", "**/.zshrc", "**/.profile", "**/.vimrc", "**/.gitconfig",
	"**/.gitignore", "**/.dockerignore",
	"**/.bash_profile", "**/.bash_aliases", "**/.bash_history",
	"**/.zsh_history", "**/.zprofile",
	"**/.tmux.conf", "**/.screenrc",
	"**/.inputrc", "**/.curlrc", "**/.wgetrc",
	"**/.selected_editor", "**/.lesshst", "**/.emacs",
	// whitelisted dot directories, sub-filtered
	"**/.config/**/*.conf", "**/.config/**/*.ini", "**/.config/**/*.yaml",
	"**/.config/**/*.yml", "**/.config/**/*.json", "**/.config/**/*.toml",
	"**/.config/**/*.desktop", "**/.config/**/settings", "**/.config/**/config",
	"**/.config/nvim/**", "**/.config/git/**", "**/.config/gh/**",
	"**/.config/htop/**", "**/.config/fish/**",
	"**/.ssh/**", "**/.gnupg/**",
	"**/.aws/config", "**/.aws/credentials",
	"**/.kube/config",
	"**/.emacs.d/init.el", "**/.emacs.d/config/**",
}

// DefaultExcludePatterns drops build output and editor noise.
var DefaultExcludePatterns = []string{
	"**/node_modules/**", "**/__pycache__/**", "**/*.pyc", "**/*.pyo",
	"**/.venv/**", "**/venv/**", "**/target/**", "**/build/**", "**/dist/**",
	"**/.pytest_cache/**", "**/.mypy_cache/**", "**/.ruff_cache/**",
	"**/*.egg-info/**", "**/coverage.xml", "**/.coverage", "**/.tox/**", "**/htmlcov/**",
	"**/.vscode/**", "**/.idea/**", "**/*.swp", "**/*.swo", "**/*~",
	"**/.DS_Store", "**/Thumbs.db",
	"**/*.tmp", "**/*.temp", "**/temp/**",
}

// DefaultAlwaysExclude is never backed up, repositories included.
var DefaultAlwaysExclude = []string{
	"**/.DS_Store", "**/Thumbs.db", "**/*.tmp", "**/*.temp",
	"**/*.log", "**/core", "**/core.*",
	"**/snap/**", "**/flatpak/**",
	"**/Games/**",
	"**/VirtualBox VMs/**", "**/vmware/**",
	"**/*.db", "**/*.sqlite", "**/*.sqlite3", "**/*.db-wal", "**/*.db-shm",
	"**/app-tmp/**", "**/application-tmp/**",
	"**/temp/**", "**/build/**", "**/dist/**", "**/target/**",
	"**/__pycache__/**", "**/node_modules/**",
	"**/.config/*/Cache/**", "**/.config/*/CacheStorage/**", "**/.config/*/Code Cache/**",
	"**/.config/BraveSoftware/**", "**/.config/google-chrome/**/Cache/**",
	"**/.config/chromium/**/Cache/**", "**/.config/Code/Cache/**",
	"**/*.iso", "**/*.img", "**/*.vmdk", "**/*.vdi", "**/*.qcow2",
	"**/lost+found/**",
	"**/proc/**", "**/sys/**", "**/dev/**", "**/run/**", "**/mnt/**", "**/media/**",
	"**/CachedData/**", "**/ShaderCache/**", "**/*_cache/**", "**/*.cache/**",
}
