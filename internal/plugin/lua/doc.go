// Package lua runs launcher plugins written in Lua.
//
// A script plugin is a directory holding a metadata document (plugin.json,
// plugin.yaml, plugin.yml or plugin.toml) and a main.lua script. The
// Provider discovers such directories; each becomes a plugin.Loader whose
// Load runs the script in a sandboxed state and wraps the handlers it
// defines.
//
// # Script API
//
// A script defines any of these globals:
//
//	trigger = "w "                 -- default trigger, defaults to "<id> "
//	fuzzy = true                   -- the handler honours fuzzy matching
//
//	function handle_trigger(query) -- triggered input
//	  query:add({id = "x", text = "X", subtext = "...", actions = {...}})
//	end
//
//	function handle_global(query)  -- untriggered input
//	  return {{item = {...}, relevance = 0.8}}
//	end
//
//	function fallbacks(text)       -- items offered when nothing matched
//	  return {{id = "search", text = "Search " .. text}}
//	end
//
//	function on_unload() end       -- called before the state is closed
//
// The query object offers string(), trigger(), is_valid(), fuzzy() and
// add(item, ...). An action is a table {id, text, run} where run is a Lua
// function called on activation.
//
// The global plugin holds the plugin metadata. The require function
// resolves only string, table, math and the host module "lodestar", which
// provides log(), debug(), warn() and match(query, text, ...).
package lua
