package cdn

// builtinProviders maps a provider name to the host suffixes it serves
var builtinProviders = map[string][]string{
	"cloudflare": {
		"cloudflare.com", "cloudflare.net", "cdnjs.cloudflare.com",
		"cloudflareinsights.com", "pages.dev", "workers.dev",
	},
	"akamai": {
		"akamai.net", "akamaiedge.net", "akamaihd.net", "akamaized.net",
		"edgekey.net", "edgesuite.net", "akamaitechnologies.com",
	},
	"fastly": {
		"fastly.net", "fastly.com", "fastlylb.net", "fastly-edge.com",
	},
	"cloudfront": {
		"cloudfront.net",
	},
	"google": {
		"googleapis.com", "gstatic.com", "googleusercontent.com",
		"ggpht.com", "googlevideo.com",
	},
	"azure": {
		"azureedge.net", "azurefd.net", "msecnd.net", "aspnetcdn.com",
	},
	"jsdelivr": {
		"jsdelivr.net",
	},
	"unpkg": {
		"unpkg.com",
	},
	"stackpath": {
		"stackpathdns.com", "stackpathcdn.com", "bootstrapcdn.com",
	},
	"bunny": {
		"b-cdn.net", "bunnycdn.com",
	},
	"keycdn": {
		"kxcdn.com",
	},
	"shared-hosting": {
		"github.io", "githubusercontent.com", "netlify.app", "vercel.app",
		"herokuapp.com", "firebaseapp.com", "web.app", "wordpress.com",
		"blogspot.com", "wixsite.com", "squarespace.com",
	},
	"fonts": {
		"fonts.googleapis.com", "fonts.gstatic.com", "use.typekit.net",
		"use.fontawesome.com", "fonts.bunny.net",
	},
	"analytics": {
		"googletagmanager.com", "google-analytics.com",
	},
}
